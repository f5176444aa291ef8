package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/throw-if-null/recoverybench/internal/collector"
)

func newCollectCmd(a *app) *cobra.Command {
	var (
		dest         string
		order        string
		unsolvedOnly bool
		minEpisodes  int
	)
	cmd := &cobra.Command{
		Use:   "collect <input>...",
		Short: "Merge run roots or corpora into a capped, deduplicated corpus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("min-episodes") {
				minEpisodes = a.cfg.Pipeline.MinEpisodes
			}
			inputs := args
			switch order {
			case "explicit":
			case "chronological":
				var err error
				if inputs, err = collector.OrderChronological(args); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown order %q", order)
			}

			corpus, err := collector.Merge(cmd.Context(), inputs, dest, collector.Options{
				MinEpisodes:  minEpisodes,
				UnsolvedOnly: unsolvedOnly,
				Logger:       a.log,
			})
			if err != nil {
				return err
			}
			episodes := 0
			for _, eps := range corpus.Tasks {
				episodes += len(eps)
			}
			_, err = fmt.Fprintf(a.stdout, "%s: %d tasks, %d episodes\n", dest, len(corpus.Tasks), episodes)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&dest, "dest", "", "corpus destination directory")
	f.StringVar(&order, "order", "explicit", "input order: explicit (as given) or chronological (run.json start time)")
	f.BoolVar(&unsolvedOnly, "unsolved-only", false, "leave out solved episodes")
	f.IntVar(&minEpisodes, "min-episodes", 0, "episode cap per task")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}
