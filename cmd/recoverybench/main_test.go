package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/config"
	"github.com/throw-if-null/recoverybench/internal/runner"
	"github.com/throw-if-null/recoverybench/internal/telemetry"
	"github.com/throw-if-null/recoverybench/internal/testutil"
)

// fakeHarness stands in for `tb run`: every invocation writes one failed
// trial under <output-path>/<run-id>/<task-id>/.
type fakeHarness struct {
	mu    sync.Mutex
	calls [][]string
	envs  [][]string
}

func (f *fakeHarness) Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, argv)
	f.envs = append(f.envs, env)
	f.mu.Unlock()

	flag := func(name string) string {
		for i := 0; i+1 < len(argv); i++ {
			if argv[i] == name {
				return argv[i+1]
			}
		}
		return ""
	}
	slug := flag("--task-id")
	trial := filepath.Join(flag("--output-path"), flag("--run-id"), slug, slug+".1-of-1")
	if err := os.MkdirAll(filepath.Join(trial, "agent-logs", "episode-0"), 0o755); err != nil {
		return -1, err
	}
	b, _ := json.Marshal(map[string]any{"is_resolved": false, "task_id": slug})
	return 0, os.WriteFile(filepath.Join(trial, "results.json"), b, 0o644)
}

// withFakes installs no-op dotenv loading and the given harness for the
// duration of a test.
func withFakes(t *testing.T, h runner.CommandRunner) {
	t.Helper()
	oldDot, oldInit, oldRunner := dotenvLoad, telemetryInit, newCommandRunner
	dotenvLoad = func(...string) error { return nil }
	telemetryInit = func(context.Context, config.TelemetryConfig, string) (func(context.Context) error, error) {
		return telemetry.Noop, nil
	}
	newCommandRunner = func() runner.CommandRunner { return h }
	t.Cleanup(func() {
		dotenvLoad, telemetryInit, newCommandRunner = oldDot, oldInit, oldRunner
	})
}

func projectRoot(t *testing.T, tasks map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for slug, text := range tasks {
		d := filepath.Join(root, "tasks", slug)
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(d, "task.yaml"), []byte("instruction: "+text+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := `[pipeline]
task_folder = "tasks"
runs_dir = "runs"
min_episodes = 2
max_iterations = 2
n_concurrent = 2

[store]
path = ".recoverybench/test.db"
`
	if err := os.MkdirAll(filepath.Join(root, ".recoverybench"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(config.Path(root), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestGenerateEndToEnd(t *testing.T) {
	h := &fakeHarness{}
	withFakes(t, h)

	exp := tracetest.NewInMemoryExporter()
	tp, shutdown, err := telemetry.NewTracerProviderWithExporter(exp, telemetry.Config{ServiceName: "testsvc"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = shutdown(context.Background()) }()
	prev := otel.GetTracerProvider()
	// Flush only: shutting the provider down would clear the exporter.
	telemetryInit = func(context.Context, config.TelemetryConfig, string) (func(context.Context) error, error) {
		otel.SetTracerProvider(tp)
		return tp.ForceFlush, nil
	}
	defer otel.SetTracerProvider(prev)

	root := projectRoot(t, map[string]string{"hard": "Fix the build"})
	out, stderr, err := runCLI(t, "--root", root, "generate", "--model", "prov/model-x")
	if err != nil {
		t.Fatalf("generate: %v\n%s", err, stderr)
	}
	if !strings.Contains(out, "2 rounds") || !strings.Contains(out, "exhausted-iterations-unsolved: 1/1") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "model-x-collected-") {
		t.Fatalf("expected a collected corpus:\n%s", out)
	}

	if len(h.calls) != 2 {
		t.Fatalf("expected 2 harness calls, got %d", len(h.calls))
	}
	replayed := false
	for i, argv := range h.calls {
		if strings.Contains(strings.Join(argv, " "), "--agent-import-path") {
			replayed = true
			if !strings.Contains(strings.Join(h.envs[i], " "), "SEED_TRAJECTORY=") {
				t.Fatalf("replay without a seed: %v", h.envs[i])
			}
		}
	}
	if !replayed {
		t.Fatalf("recovery round did not use the replay agent")
	}

	found := false
	for _, s := range exp.GetSpans() {
		if s.Name == "pipeline.run" {
			found = true
		}
	}
	if !found {
		t.Fatalf("pipeline.run span not exported")
	}

	// The snapshot written by the pipeline is visible to register --unsolved.
	runs, err := filepath.Glob(filepath.Join(root, "runs", "*-iter1"))
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one recovery run, got %v %v", runs, err)
	}
	out, _, err = runCLI(t, "--root", root, "register", "--unsolved", "--min-episodes", "3", runs[0])
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	var entries []api.RegistryEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil || len(entries) != 1 {
		t.Fatalf("unexpected register output %q: %v", out, err)
	}
}

func TestGenerateFreshMode(t *testing.T) {
	h := &fakeHarness{}
	withFakes(t, h)

	root := projectRoot(t, map[string]string{"hard": "Fix the build"})
	if _, stderr, err := runCLI(t, "--root", root, "generate", "--model", "m", "--mode", "fresh", "--max-iterations", "1", "--skip-collect"); err != nil {
		t.Fatalf("generate: %v\n%s", err, stderr)
	}
	for _, argv := range h.calls {
		if strings.Contains(strings.Join(argv, " "), "--agent-import-path") {
			t.Fatalf("fresh mode must not use the replay agent: %v", argv)
		}
	}
}

func TestGenerateRequiresModel(t *testing.T) {
	withFakes(t, &fakeHarness{})
	root := projectRoot(t, map[string]string{"a": "A"})
	if _, _, err := runCLI(t, "--root", root, "generate"); err == nil {
		t.Fatalf("expected missing --model error")
	}
}

func TestCollectAndReorganize(t *testing.T) {
	withFakes(t, &fakeHarness{})
	root := projectRoot(t, map[string]string{"alpha": "Say hello"})

	run := filepath.Join(root, "runs", "initial-m-1")
	testutil.WriteTrial(t, run, testutil.Trial{Slug: "alpha", K: 1, Steps: 1})
	testutil.WriteTrial(t, run, testutil.Trial{Slug: "alpha", K: 2, Steps: 1})
	testutil.WriteRunFile(t, run, "initial-m-1", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))

	out, _, err := runCLI(t, "--root", root, "reorganize", run)
	if err != nil {
		t.Fatalf("reorganize: %v", err)
	}
	if !strings.Contains(out, "moved 1 task directories") {
		t.Fatalf("unexpected output %q", out)
	}

	dest := filepath.Join(root, "corpus")
	out, _, err = runCLI(t, "--root", root, "collect", "--dest", dest, "--order", "chronological", "--min-episodes", "1", run)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !strings.Contains(out, "1 tasks, 1 episodes") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, _, err := runCLI(t, "--root", root, "collect", "--dest", dest, "--order", "random", run); err == nil {
		t.Fatalf("expected unknown order error")
	}

	if _, _, err := runCLI(t, "--root", root, "reorganize", "--restore", run); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := os.Stat(filepath.Join(run, "alpha")); err != nil {
		t.Fatalf("restore did not flatten the run: %v", err)
	}
}

func TestCompare(t *testing.T) {
	withFakes(t, &fakeHarness{})
	dir := t.TempDir()
	first := filepath.Join(dir, "first.json")
	second := filepath.Join(dir, "second.json")
	if err := os.WriteFile(first, []byte(`{"resolved_ids":["a"],"unresolved_ids":["b","c"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(second, []byte(`{"resolved_ids":["a","c"],"unresolved_ids":["b"]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, "--root", dir, "compare", first, second)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if out != "c\n" {
		t.Fatalf("unexpected improvements %q", out)
	}

	target := filepath.Join(dir, "improved.txt")
	if _, _, err := runCLI(t, "--root", dir, "compare", first, second, "-o", target); err != nil {
		t.Fatalf("compare -o: %v", err)
	}
	b, err := os.ReadFile(target)
	if err != nil || string(b) != "c\n" {
		t.Fatalf("unexpected file %q: %v", b, err)
	}
}

func TestVersion(t *testing.T) {
	withFakes(t, &fakeHarness{})
	out, _, err := runCLI(t, "--root", t.TempDir(), "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "recoverybench dev") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestInvalidConfigFails(t *testing.T) {
	withFakes(t, &fakeHarness{})
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".recoverybench"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(config.Path(root), []byte("[pipeline\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := runCLI(t, "--root", root, "version"); err == nil {
		t.Fatalf("expected config parse error")
	}
}
