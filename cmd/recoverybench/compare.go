package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/throw-if-null/recoverybench/internal/paths"
	"github.com/throw-if-null/recoverybench/internal/report"
)

func newCompareCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "compare <first-results.json> <second-results.json>",
		Short: "List task ids unresolved in the first results and resolved in the second",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			first, err := report.ReadResults(args[0])
			if err != nil {
				return err
			}
			second, err := report.ReadResults(args[1])
			if err != nil {
				return err
			}
			a.log.Info("first results", "resolved", len(first.ResolvedIDs), "unresolved", len(first.UnresolvedIDs))
			a.log.Info("second results", "resolved", len(second.ResolvedIDs), "unresolved", len(second.UnresolvedIDs))

			ids := report.Improvements(first, second)
			a.log.Info("improvements", "count", len(ids))
			var b strings.Builder
			for _, id := range ids {
				b.WriteString(id)
				b.WriteByte('\n')
			}
			if output != "" {
				if err := paths.WriteFileAtomic(output, []byte(b.String()), 0o644); err != nil {
					return err
				}
				a.log.Info("improvements written", "path", output)
				return nil
			}
			_, err = fmt.Fprint(a.stdout, b.String())
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the ids to a file instead of stdout")
	return cmd
}
