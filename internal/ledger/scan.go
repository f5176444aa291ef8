package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/logs"
	"github.com/throw-if-null/recoverybench/internal/paths"
)

var (
	// ErrLayout is returned for a run root that is not in canonical layout.
	ErrLayout = errors.New("run root not in canonical layout")
)

// RunFile is the name of the run record kept at the top of a run root.
const RunFile = "run.json"

// trialResult mirrors the fields of a terminal-bench trial results.json that
// decide an episode's outcome.
type trialResult struct {
	IsResolved  *bool  `json:"is_resolved"`
	TaskID      string `json:"task_id"`
	FailureMode string `json:"failure_mode"`
}

func (r trialResult) outcome() api.Outcome {
	if r.IsResolved != nil && *r.IsResolved {
		return api.OutcomeSolved
	}
	switch strings.ToLower(r.FailureMode) {
	case "", "unset", "none":
		return api.OutcomeFailed
	}
	return api.OutcomeErrored
}

// RunScan is the result of scanning one run root.
type RunScan struct {
	RunID    string
	Dir      string
	Episodes []api.Episode
	// Incomplete lists trial directories without a readable results.json.
	Incomplete []string
}

// ReadRun loads run.json from a run root.
func ReadRun(dir string) (*api.Run, error) {
	var r api.Run
	if err := paths.ReadJSON(filepath.Join(dir, RunFile), &r); err != nil {
		return nil, err
	}
	r.Dir = dir
	return &r, nil
}

// WriteRun records r as run.json in r.Dir.
func WriteRun(r *api.Run) error {
	if r.Dir == "" {
		return fmt.Errorf("run %s has no directory", r.ID)
	}
	return paths.WriteJSONAtomic(filepath.Join(r.Dir, RunFile), r)
}

// RunID returns the id recorded in run.json, or the directory name.
func RunID(dir string) string {
	if r, err := ReadRun(dir); err == nil && r.ID != "" {
		return r.ID
	}
	return filepath.Base(filepath.Clean(dir))
}

type trial struct {
	slug string
	k    int
	name string
	path string
}

// ScanRun reads every episode of a canonical-layout run root.
func ScanRun(dir string, logger *slog.Logger) (*RunScan, error) {
	if logger == nil {
		logger = logs.Discard()
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read run root %s: %w", dir, err)
	}
	scan := &RunScan{RunID: RunID(dir), Dir: dir}

	for _, e := range ents {
		name := e.Name()
		if !e.IsDir() || paths.Ignored(name) {
			continue
		}
		if !paths.IsCanonicalID(name) {
			return nil, fmt.Errorf("%w: %s contains %q", ErrLayout, dir, name)
		}
		trials, err := listTrials(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		index := 0
		for _, t := range trials {
			res, err := readResult(t.path)
			if err != nil {
				logger.Warn("incomplete trial", "run", scan.RunID, "trial", t.path, "error", err)
				scan.Incomplete = append(scan.Incomplete, t.path)
				continue
			}
			index++
			scan.Episodes = append(scan.Episodes, api.Episode{
				RunID:         scan.RunID,
				CanonicalID:   name,
				Slug:          t.slug,
				Index:         index,
				Outcome:       res.outcome(),
				Path:          t.path,
				TrajectoryLen: TrajectoryLen(t.path),
			})
		}
	}
	return scan, nil
}

// listTrials returns the trial directories under one canonical id, sorted by
// slug then trial ordinal.
func listTrials(idDir string) ([]trial, error) {
	slugs, err := os.ReadDir(idDir)
	if err != nil {
		return nil, err
	}
	var out []trial
	for _, s := range slugs {
		if !s.IsDir() || paths.Ignored(s.Name()) {
			continue
		}
		slugDir := filepath.Join(idDir, s.Name())
		kids, err := os.ReadDir(slugDir)
		if err != nil {
			return nil, err
		}
		for _, k := range kids {
			if !k.IsDir() {
				continue
			}
			ord, _, ok := paths.ParseTrial(s.Name(), k.Name())
			if !ok {
				continue
			}
			out = append(out, trial{slug: s.Name(), k: ord, name: k.Name(), path: filepath.Join(slugDir, k.Name())})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.slug != b.slug {
			return a.slug < b.slug
		}
		if a.k != b.k {
			return a.k < b.k
		}
		return a.name < b.name
	})
	return out, nil
}

// ReadOutcome reads the outcome recorded in a trial's results.json.
func ReadOutcome(trialDir string) (api.Outcome, error) {
	r, err := readResult(trialDir)
	if err != nil {
		return "", err
	}
	return r.outcome(), nil
}

func readResult(trialDir string) (trialResult, error) {
	var r trialResult
	err := paths.ReadJSON(filepath.Join(trialDir, "results.json"), &r)
	return r, err
}

// TrajectoryLen counts agent-logs/episode-* entries of a trial.
func TrajectoryLen(trialDir string) int {
	ents, err := os.ReadDir(filepath.Join(trialDir, "agent-logs"))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range ents {
		if e.IsDir() && strings.HasPrefix(e.Name(), "episode-") {
			n++
		}
	}
	return n
}
