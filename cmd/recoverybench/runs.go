package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/identity"
	"github.com/throw-if-null/recoverybench/internal/ledger"
	"github.com/throw-if-null/recoverybench/internal/paths"
)

func newReorganizeCmd(a *app) *cobra.Command {
	var restore bool
	cmd := &cobra.Command{
		Use:   "reorganize <run-root>...",
		Short: "Group run directories by canonical task id, or undo the grouping",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			reorg := &identity.Reorganizer{
				Resolver: identity.NewResolver(identity.WithBindings(st)),
				Logger:   a.log,
			}
			var defs identity.Definitions
			if !restore {
				defs, err = identity.LoadDefinitions(a.path(a.cfg.Pipeline.TaskFolder), nil)
				if err != nil {
					return err
				}
			}
			for _, root := range args {
				var n int
				if restore {
					n, err = reorg.Restore(root)
				} else {
					n, err = reorg.Reorganize(root, defs)
				}
				if err != nil {
					return fmt.Errorf("%s: %w", root, err)
				}
				if _, err := fmt.Fprintf(a.stdout, "%s: moved %d task directories\n", root, n); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&restore, "restore", false, "flatten run_root/<id>/<slug> back to run_root/<slug>")
	return cmd
}

func newRegisterCmd(a *app) *cobra.Command {
	var query bool
	var minEpisodes int
	cmd := &cobra.Command{
		Use:   "register <run-root>...",
		Short: "Compute the episode registry over run roots and store the snapshot",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("min-episodes") {
				minEpisodes = a.cfg.Pipeline.MinEpisodes
			}
			l := &ledger.Ledger{MinEpisodes: minEpisodes, Logger: a.log}

			var entries map[string]*api.RegistryEntry
			if query {
				ids, all, err := l.Unsolved(args)
				if err != nil {
					return err
				}
				entries = make(map[string]*api.RegistryEntry, len(ids))
				for _, id := range ids {
					entries[id] = all[id]
				}
			} else {
				st, closeStore, err := a.openStore()
				if err != nil {
					return err
				}
				defer closeStore()
				l.Writer = st
				if entries, err = l.Register(args); err != nil {
					return err
				}
			}

			b, err := paths.MarshalStable(ledger.Sorted(entries))
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(b)
			return err
		},
	}
	cmd.Flags().BoolVar(&query, "unsolved", false, "only print the tasks that need more attempts; store nothing")
	cmd.Flags().IntVar(&minEpisodes, "min-episodes", 0, "episode target per task")
	return cmd
}
