package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/identity"
	"github.com/throw-if-null/recoverybench/internal/ledger"
	"github.com/throw-if-null/recoverybench/internal/paths"
)

func newReplayCmd(a *app) *cobra.Command {
	var (
		model     string
		runID     string
		priors    []string
		taskIDs   []string
		iteration int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run one recovery round seeded from earlier runs",
		Long: `Run one recovery round seeded from earlier runs.

Without --task-id every task of the prior runs that still needs attempts is
replayed, one slug per canonical task. Prior runs must already be grouped
by canonical task id (see reorganize).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			defs, err := identity.LoadDefinitions(a.path(a.cfg.Pipeline.TaskFolder), taskIDs)
			if err != nil {
				return err
			}
			resolver := identity.NewResolver(identity.WithBindings(st))
			tasks, err := identity.Tasks(resolver, defs)
			if err != nil {
				return err
			}
			if len(taskIDs) == 0 {
				entries, err := ledger.ComputeStatus(priors, a.log)
				if err != nil {
					return err
				}
				tasks = pendingTasks(tasks, entries, a.cfg.Pipeline.MinEpisodes)
			}
			if len(tasks) == 0 {
				_, err := fmt.Fprintln(a.stdout, "nothing to replay")
				return err
			}

			if runID == "" {
				runID = paths.ReplayRunID(model, time.Now().Format(paths.StampLayout), iteration)
			}
			runsDir, err := filepath.Abs(a.path(a.cfg.Pipeline.RunsDir))
			if err != nil {
				return err
			}
			ctrl, err := a.replayController()
			if err != nil {
				return err
			}
			run, err := ctrl.Produce(cmd.Context(), api.Batch{
				RunID:     runID,
				Dir:       filepath.Join(runsDir, runID),
				Model:     model,
				Dataset:   a.cfg.Pipeline.DatasetName,
				Round:     iteration,
				Tasks:     tasks,
				PriorRuns: priors,
			})
			if err != nil {
				return err
			}
			reorg := &identity.Reorganizer{Resolver: resolver, Logger: a.log}
			if _, err := reorg.Reorganize(run.Dir, defs); err != nil {
				return err
			}
			if err := ledger.WriteRun(run); err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.stdout, "%s: %d scheduled, %d failed\n", run.Dir, len(run.Scheduled), len(run.Failures))
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&model, "model", "", "recovery model")
	f.StringVar(&runID, "run-id", "", "run id (default replay-<model>-<timestamp>-iter<iteration>)")
	f.StringSliceVar(&priors, "prior", nil, "earlier run roots to draw seeds from, oldest first")
	f.StringSliceVar(&taskIDs, "task-id", nil, "task slugs to replay")
	f.IntVar(&iteration, "iteration", 1, "round number recorded for the run")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("prior")
	return cmd
}

// pendingTasks keeps the first slug of every canonical task that still
// needs attempts. Tasks absent from entries are pending.
func pendingTasks(tasks []api.Task, entries map[string]*api.RegistryEntry, minEpisodes int) []api.Task {
	seen := map[string]bool{}
	var out []api.Task
	for _, t := range tasks {
		if seen[t.CanonicalID] {
			continue
		}
		seen[t.CanonicalID] = true
		if ledger.NeedsMoreAttempts(entries[t.CanonicalID], minEpisodes) {
			out = append(out, t)
		}
	}
	return out
}
