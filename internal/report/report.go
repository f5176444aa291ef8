// Package report renders pipeline outcomes and compares benchmark results.
package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/paths"
)

// Summary counts final statuses over a pipeline's tasks.
type Summary struct {
	Total  int                     `json:"total"`
	Counts map[api.FinalStatus]int `json:"counts"`
	Tasks  []api.TaskReport        `json:"tasks"`
}

var statusOrder = []api.FinalStatus{
	api.StatusSolved,
	api.StatusExhaustedUnsolved,
	api.StatusInsufficientEvidence,
}

func Summarize(tasks []api.TaskReport) Summary {
	s := Summary{Total: len(tasks), Counts: map[api.FinalStatus]int{}}
	s.Tasks = append(s.Tasks, tasks...)
	sort.Slice(s.Tasks, func(i, j int) bool { return s.Tasks[i].CanonicalID < s.Tasks[j].CanonicalID })
	for _, t := range tasks {
		s.Counts[t.Status]++
	}
	return s
}

// Write prints one line per task followed by the status totals.
func (s Summary) Write(w io.Writer) error {
	for _, t := range s.Tasks {
		if _, err := fmt.Fprintf(w, "%s  %-32s %-32s %d episodes\n", t.CanonicalID, t.Slug, t.Status, t.EpisodeCount); err != nil {
			return err
		}
	}
	for _, st := range statusOrder {
		if _, err := fmt.Fprintf(w, "%s: %d/%d\n", st, s.Counts[st], s.Total); err != nil {
			return err
		}
	}
	return nil
}

// Results is the subset of a tb results.json that comparisons need.
type Results struct {
	ResolvedIDs   []string `json:"resolved_ids"`
	UnresolvedIDs []string `json:"unresolved_ids"`
}

func ReadResults(path string) (*Results, error) {
	var r Results
	if err := paths.ReadJSON(path, &r); err != nil {
		return nil, fmt.Errorf("read results %s: %w", path, err)
	}
	return &r, nil
}

// Improvements returns the ids unresolved in first and resolved in second,
// sorted.
func Improvements(first, second *Results) []string {
	resolved := make(map[string]bool, len(second.ResolvedIDs))
	for _, id := range second.ResolvedIDs {
		resolved[id] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, id := range first.UnresolvedIDs {
		if resolved[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
