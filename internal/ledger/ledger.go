package ledger

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/logs"
)

// SnapshotWriter persists a registry snapshot. store.Store implements it.
type SnapshotWriter interface {
	SaveSnapshot(entries []api.RegistryEntry) error
}

// NeedsMoreAttempts reports whether a task should be scheduled again.
func NeedsMoreAttempts(e *api.RegistryEntry, minEpisodes int) bool {
	if e == nil {
		return true
	}
	return !e.Solved && e.EpisodeCount < minEpisodes
}

// ComputeStatus scans the given run roots and returns one entry per canonical
// task. Counts are additive over runs and independent of argument order.
func ComputeStatus(runDirs []string, logger *slog.Logger) (map[string]*api.RegistryEntry, error) {
	entries := map[string]*api.RegistryEntry{}
	for _, dir := range runDirs {
		scan, err := ScanRun(dir, logger)
		if err != nil {
			return nil, err
		}
		for _, ep := range scan.Episodes {
			e, ok := entries[ep.CanonicalID]
			if !ok {
				e = &api.RegistryEntry{CanonicalID: ep.CanonicalID}
				entries[ep.CanonicalID] = e
			}
			e.EpisodeCount++
			if ep.Outcome == api.OutcomeSolved {
				e.Solved = true
			}
			e.Runs = addUnique(e.Runs, ep.RunID)
			e.Slugs = addUnique(e.Slugs, ep.Slug)
			e.Episodes = append(e.Episodes, ep)
		}
	}
	for _, e := range entries {
		sort.Strings(e.Runs)
		sort.Strings(e.Slugs)
		sort.Slice(e.Episodes, func(i, j int) bool {
			a, b := e.Episodes[i], e.Episodes[j]
			if a.RunID != b.RunID {
				return a.RunID < b.RunID
			}
			return a.Index < b.Index
		})
	}
	return entries, nil
}

func addUnique(xs []string, x string) []string {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}

// Sorted returns entries ordered by canonical id.
func Sorted(entries map[string]*api.RegistryEntry) []api.RegistryEntry {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]api.RegistryEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, *entries[id])
	}
	return out
}

// Ledger answers which tasks still need attempts, optionally persisting each
// computed registry.
type Ledger struct {
	MinEpisodes int
	Writer      SnapshotWriter
	Logger      *slog.Logger
}

func (l *Ledger) logger() *slog.Logger {
	if l.Logger == nil {
		return logs.Discard()
	}
	return l.Logger
}

// Unsolved computes the registry without writing anything and returns the
// ids of tasks that need more attempts, sorted.
func (l *Ledger) Unsolved(runDirs []string) ([]string, map[string]*api.RegistryEntry, error) {
	entries, err := ComputeStatus(runDirs, l.logger())
	if err != nil {
		return nil, nil, err
	}
	var ids []string
	for id, e := range entries {
		if NeedsMoreAttempts(e, l.MinEpisodes) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, entries, nil
}

// Register computes the registry and persists it as one snapshot. It must
// only be called once the runs are complete.
func (l *Ledger) Register(runDirs []string) (map[string]*api.RegistryEntry, error) {
	entries, err := ComputeStatus(runDirs, l.logger())
	if err != nil {
		return nil, err
	}
	if l.Writer != nil {
		if err := l.Writer.SaveSnapshot(Sorted(entries)); err != nil {
			return nil, fmt.Errorf("save registry snapshot: %w", err)
		}
	}
	solved := 0
	for _, e := range entries {
		if e.Solved {
			solved++
		}
	}
	l.logger().Info("registry updated", "runs", len(runDirs), "tasks", len(entries), "solved", solved)
	return entries, nil
}
