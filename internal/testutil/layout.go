// Package testutil builds terminal-bench style run directories for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/paths"
)

// Trial describes one trial directory to create.
type Trial struct {
	CanonicalID string
	Slug        string
	K           int
	Resolved    bool
	FailureMode string
	Steps       int
}

// WriteTrial creates run_root/<id>/<slug>/<slug>.<k>-of-1 with a results.json
// and Steps agent-log episodes. An empty CanonicalID writes the flat
// run_root/<slug>/... layout that the runner produces.
func WriteTrial(t testing.TB, runRoot string, tr Trial) string {
	t.Helper()
	dir, err := CreateTrial(runRoot, tr)
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

// CreateTrial is WriteTrial for callers outside the test goroutine.
func CreateTrial(runRoot string, tr Trial) (string, error) {
	k := tr.K
	if k == 0 {
		k = 1
	}
	base := filepath.Join(runRoot, tr.Slug)
	if tr.CanonicalID != "" {
		base = filepath.Join(runRoot, tr.CanonicalID, tr.Slug)
	}
	dir := filepath.Join(base, paths.TrialName(tr.Slug, k, 1))
	for i := 0; i < tr.Steps; i++ {
		if err := os.MkdirAll(filepath.Join(dir, "agent-logs", fmt.Sprintf("episode-%d", i)), 0o755); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	res := map[string]any{"is_resolved": tr.Resolved, "task_id": tr.Slug}
	if tr.FailureMode != "" {
		res["failure_mode"] = tr.FailureMode
	}
	b, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return dir, os.WriteFile(filepath.Join(dir, "results.json"), b, 0o644)
}

// WriteRunFile records run.json for a run root.
func WriteRunFile(t testing.TB, runRoot, id string, started time.Time) {
	t.Helper()
	r := api.Run{ID: id, StartedAt: started}
	if err := paths.WriteJSONAtomic(filepath.Join(runRoot, "run.json"), r); err != nil {
		t.Fatal(err)
	}
}
