package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	d := t.TempDir()
	dir := filepath.Join(d, ".recoverybench")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestLoad_NoFile(t *testing.T) {
	res := Load(t.TempDir())
	if res.Found {
		t.Fatalf("expected found false")
	}
	if res.ParseError != nil {
		t.Fatalf("unexpected parse error: %v", res.ParseError)
	}
	if res.Config.Pipeline.MinEpisodes != 10 || res.Config.MaxIterations() != 3 {
		t.Fatalf("defaults not applied: %+v", res.Config.Pipeline)
	}
	if res.Config.Runner.Command[0] != "tb" {
		t.Fatalf("unexpected runner command %v", res.Config.Runner.Command)
	}
}

func TestLoad_ValidOverrides(t *testing.T) {
	d := writeConfig(t, `
[pipeline]
min_episodes = 4
max_iterations = 0
mode = "fresh"

[runner]
command = ["uvx", "tb", "run"]
cleanup_containers = true
`)
	res := Load(d)
	if !res.Found {
		t.Fatalf("expected found true")
	}
	if res.ParseError != nil {
		t.Fatalf("unexpected parse error: %v", res.ParseError)
	}
	c := res.Config
	if c.Pipeline.MinEpisodes != 4 {
		t.Fatalf("min_episodes not applied: %d", c.Pipeline.MinEpisodes)
	}
	if c.MaxIterations() != 0 {
		t.Fatalf("explicit zero max_iterations lost: %d", c.MaxIterations())
	}
	if c.Pipeline.Mode != "fresh" || len(c.Runner.Command) != 3 || !c.Runner.CleanupContainers {
		t.Fatalf("overrides not applied: %+v %+v", c.Pipeline, c.Runner)
	}
	if c.Pipeline.Concurrency != 4 {
		t.Fatalf("unset key should keep default, got %d", c.Pipeline.Concurrency)
	}
}

func TestLoad_InvalidToml(t *testing.T) {
	d := writeConfig(t, "x = [1,\n")
	res := Load(d)
	if !res.Found {
		t.Fatalf("expected found true")
	}
	if !errors.Is(res.ParseError, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", res.ParseError)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	d := writeConfig(t, "[pipeline]\nmode = \"sideways\"\n")
	res := Load(d)
	if !errors.Is(res.ParseError, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", res.ParseError)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TASK_FOLDER":                 "/tasks",
		"RECOVERYBENCH_N_CONCURRENT":  "8",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "http://collector:4318",
	}
	cfg, err := ApplyEnv(Default(), func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Pipeline.TaskFolder != "/tasks" || cfg.Pipeline.Concurrency != 8 {
		t.Fatalf("env not applied: %+v", cfg.Pipeline)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "http://collector:4318" {
		t.Fatalf("telemetry env not applied: %+v", cfg.Telemetry)
	}

	env = map[string]string{"RECOVERYBENCH_N_CONCURRENT": "many"}
	if _, err := ApplyEnv(Default(), func(k string) string { return env[k] }); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
