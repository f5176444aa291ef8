package replay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/paths"
	"github.com/throw-if-null/recoverybench/internal/runner"
	"github.com/throw-if-null/recoverybench/internal/testutil"
)

func TestLongestFailedPrefersMostSteps(t *testing.T) {
	prior := []api.Episode{
		{RunID: "r0", Index: 1, Outcome: api.OutcomeFailed, TrajectoryLen: 3},
		{RunID: "r0", Index: 2, Outcome: api.OutcomeSolved, TrajectoryLen: 9},
		{RunID: "r1", Index: 1, Outcome: api.OutcomeErrored, TrajectoryLen: 5},
		{RunID: "r1", Index: 2, Outcome: api.OutcomeFailed, TrajectoryLen: 5},
	}
	got := (LongestFailed{}).Select(prior)
	if got == nil || got.RunID != "r1" || got.Index != 1 {
		t.Fatalf("expected r1-1, got %+v", got)
	}
	if (LongestFailed{}).Select([]api.Episode{{Outcome: api.OutcomeSolved}}) != nil {
		t.Fatalf("solved episodes are never seeds")
	}
}

func TestLatestFailed(t *testing.T) {
	prior := []api.Episode{
		{RunID: "r0", Index: 1, Outcome: api.OutcomeFailed, TrajectoryLen: 8},
		{RunID: "r1", Index: 1, Outcome: api.OutcomeFailed, TrajectoryLen: 1},
		{RunID: "r2", Index: 1, Outcome: api.OutcomeSolved},
	}
	got := (LatestFailed{}).Select(prior)
	if got == nil || got.RunID != "r1" {
		t.Fatalf("expected r1, got %+v", got)
	}
	if _, err := StrategyByName("random"); err == nil {
		t.Fatalf("expected unknown strategy error")
	}
}

// fakeSession writes a trial with a results.json unless told to fail.
type fakeSession struct {
	mu       sync.Mutex
	requests []Request
	fail     bool
	noResult bool
}

func (f *fakeSession) Replay(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.fail {
		return "", errors.New("sandbox died")
	}
	trial := filepath.Join(req.WorkDir, "out", req.Task.Slug+".1-of-1")
	if err := os.MkdirAll(filepath.Join(trial, "agent-logs", "episode-0"), 0o755); err != nil {
		return "", err
	}
	if f.noResult {
		return trial, nil
	}
	b, _ := json.Marshal(map[string]any{"is_resolved": true})
	return trial, os.WriteFile(filepath.Join(trial, "results.json"), b, 0o644)
}

func seededRun(t *testing.T, base string) string {
	t.Helper()
	run := filepath.Join(base, "initial-m-ts")
	if err := os.MkdirAll(run, 0o755); err != nil {
		t.Fatal(err)
	}
	testutil.WriteRunFile(t, run, "initial-m-ts", time.Now())
	testutil.WriteTrial(t, run, testutil.Trial{CanonicalID: "aaaaaaaa", Slug: "alpha", K: 1, Steps: 4})
	testutil.WriteTrial(t, run, testutil.Trial{CanonicalID: "aaaaaaaa", Slug: "alpha", K: 2, Steps: 7})
	return run
}

func TestProduceEpisodeFromSeed(t *testing.T) {
	base := t.TempDir()
	prior := seededRun(t, base)
	seeds, err := PriorEpisodes([]string{prior}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess := &fakeSession{}
	c := &Controller{Session: sess}
	runDir := filepath.Join(base, "replay-m-ts-iter1")
	task := api.Task{Slug: "alpha", CanonicalID: "aaaaaaaa"}

	ep, err := c.ProduceEpisode(context.Background(), task, seeds["aaaaaaaa"], "replay-m-ts-iter1", runDir, "m")
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if ep.Outcome != api.OutcomeSolved || ep.RunID != "replay-m-ts-iter1" {
		t.Fatalf("unexpected episode %+v", ep)
	}
	if sess.requests[0].Seed == nil || sess.requests[0].Seed.Index != 2 {
		t.Fatalf("expected longest trajectory as seed, got %+v", sess.requests[0].Seed)
	}
	var prov Provenance
	if err := paths.ReadJSON(filepath.Join(ep.Path, ProvenanceFile), &prov); err != nil {
		t.Fatalf("provenance: %v", err)
	}
	if prov.Seed == nil || prov.Seed.Key() != "initial-m-ts-2" || prov.Strategy != "longest-failed" {
		t.Fatalf("unexpected provenance %+v", prov)
	}
	if ep.Path != filepath.Join(runDir, "alpha", "alpha.1-of-1") {
		t.Fatalf("unexpected episode path %s", ep.Path)
	}
}

func TestProduceEpisodeRejectsRunIDReuse(t *testing.T) {
	base := t.TempDir()
	prior := seededRun(t, base)
	seeds, err := PriorEpisodes([]string{prior}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := &Controller{Session: &fakeSession{}}
	_, err = c.ProduceEpisode(context.Background(), api.Task{Slug: "alpha", CanonicalID: "aaaaaaaa"}, seeds["aaaaaaaa"], "initial-m-ts", filepath.Join(base, "x"), "m")
	if !errors.Is(err, ErrRunIDReuse) {
		t.Fatalf("expected ErrRunIDReuse, got %v", err)
	}
}

func TestProduceEpisodeNeverPartial(t *testing.T) {
	for name, sess := range map[string]*fakeSession{
		"session error": {fail: true},
		"no result":     {noResult: true},
	} {
		t.Run(name, func(t *testing.T) {
			runDir := filepath.Join(t.TempDir(), "replay-m-ts-iter1")
			c := &Controller{Session: sess}
			if _, err := c.ProduceEpisode(context.Background(), api.Task{Slug: "alpha"}, nil, "replay-m-ts-iter1", runDir, "m"); err == nil {
				t.Fatalf("expected error")
			}
			if _, err := os.Stat(filepath.Join(runDir, "alpha")); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("partial episode left behind: %v", err)
			}
			ents, _ := os.ReadDir(filepath.Join(runDir, ".staging"))
			if len(ents) != 0 {
				t.Fatalf("staging not cleaned: %d entries", len(ents))
			}
		})
	}
}

func TestProduceWithoutSeedStartsFresh(t *testing.T) {
	sess := &fakeSession{}
	c := &Controller{Session: sess}
	runDir := filepath.Join(t.TempDir(), "replay-m-ts-iter1")
	if _, err := c.ProduceEpisode(context.Background(), api.Task{Slug: "fresh"}, nil, "replay-m-ts-iter1", runDir, "m"); err != nil {
		t.Fatal(err)
	}
	if sess.requests[0].Seed != nil {
		t.Fatalf("expected fresh session")
	}
}

func TestControllerProduce(t *testing.T) {
	base := t.TempDir()
	prior := seededRun(t, base)
	sess := &fakeSession{}
	c := &Controller{Session: sess, Pool: runner.PoolOptions{Concurrency: 2}}
	b := api.Batch{
		RunID:     "replay-m-ts-iter1",
		Dir:       filepath.Join(base, "replay-m-ts-iter1"),
		Model:     "m",
		Round:     1,
		Tasks:     []api.Task{{Slug: "alpha", CanonicalID: "aaaaaaaa"}, {Slug: "beta", CanonicalID: "bbbbbbbb"}},
		PriorRuns: []string{prior},
	}
	run, err := c.Produce(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if run.Producer != api.ProducerReplay || len(run.Failures) != 0 {
		t.Fatalf("unexpected run %+v", run)
	}
	seeded := 0
	for _, r := range sess.requests {
		if r.Seed != nil {
			seeded++
		}
	}
	if seeded != 1 {
		t.Fatalf("expected exactly one seeded request, got %d", seeded)
	}
}

type recordingExec struct {
	argv []string
	env  []string
}

func (r *recordingExec) Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	r.argv, r.env = argv, env
	var out, runID, slug string
	for i := 0; i+1 < len(argv); i++ {
		switch argv[i] {
		case "--output-path":
			out = argv[i+1]
		case "--run-id":
			runID = argv[i+1]
		case "--task-id":
			slug = argv[i+1]
		}
	}
	trial := filepath.Join(out, runID, slug, slug+".1-of-1.2025-07-01__00-00-00")
	if err := os.MkdirAll(trial, 0o755); err != nil {
		return -1, err
	}
	return 0, os.WriteFile(filepath.Join(trial, "results.json"), []byte(`{"is_resolved":false,"failure_mode":"unset"}`), 0o644)
}

func TestTBSessionStagesSeed(t *testing.T) {
	base := t.TempDir()
	prior := seededRun(t, base)
	seeds, err := PriorEpisodes([]string{prior}, nil)
	if err != nil {
		t.Fatal(err)
	}
	exec := &recordingExec{}
	sess := &TBSession{TB: &runner.TB{
		Exec:            exec,
		Command:         []string{"tb", "run"},
		DatasetName:     "terminal-bench-core",
		DatasetVersion:  "0.2.15",
		AgentImportPath: "recovery-bench.replay_agent:ReplayAgent",
	}}
	seed := seeds["aaaaaaaa"][1]
	work := t.TempDir()
	trial, err := sess.Replay(context.Background(), Request{
		Task:    api.Task{Slug: "alpha", CanonicalID: "aaaaaaaa"},
		Seed:    &seed,
		Model:   "m",
		RunID:   "replay-m-ts-iter1",
		WorkDir: work,
		Log:     io.Discard,
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !strings.HasSuffix(trial, "alpha.1-of-1.2025-07-01__00-00-00") {
		t.Fatalf("unexpected trial %s", trial)
	}
	var folder string
	for _, kv := range exec.env {
		if strings.HasPrefix(kv, "TRAJECTORY_FOLDER=") {
			folder = strings.TrimPrefix(kv, "TRAJECTORY_FOLDER=")
		}
	}
	if folder == "" {
		t.Fatalf("TRAJECTORY_FOLDER not set: %v", exec.env)
	}
	staged := filepath.Join(folder, "aaaaaaaa", "alpha", "alpha.1-of-1", "agent-logs")
	ents, err := os.ReadDir(staged)
	if err != nil || len(ents) != 7 {
		t.Fatalf("seed not staged at %s: %d entries, %v", staged, len(ents), err)
	}
}
