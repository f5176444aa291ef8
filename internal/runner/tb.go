package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/logs"
	"github.com/throw-if-null/recoverybench/internal/paths"
)

var (
	// ErrRunExists is returned when a run root already holds a run record.
	ErrRunExists = errors.New("run already exists")
	// ErrNoOutput is returned when tb exits cleanly without writing the task directory.
	ErrNoOutput = errors.New("no task output")
)

// Producer produces episodes for a set of tasks under one model and records
// them as a run.
type Producer interface {
	Produce(ctx context.Context, b api.Batch) (*api.Run, error)
}

const (
	stagingDir = ".staging"
	logsDir    = ".logs"
)

// TB drives the terminal-bench harness, one `tb run` invocation per task.
type TB struct {
	Exec    CommandRunner
	Command []string

	DatasetName             string
	DatasetVersion          string
	Agent                   string
	AgentImportPath         string
	GlobalTimeoutMultiplier float64
	LocalRegistryPath       string
	CleanupContainers       bool
	// Env is added to the harness environment.
	Env     []string
	WorkDir string

	Pool   PoolOptions
	Logger *slog.Logger
}

func (t *TB) logger() *slog.Logger {
	if t.Logger == nil {
		return logs.Discard()
	}
	return t.Logger
}

// Args builds the harness argv for a single task.
func (t *TB) Args(model, runID, slug, outputPath string) []string {
	argv := append([]string{}, t.Command...)
	argv = append(argv,
		"--dataset-name", t.DatasetName,
		"--dataset-version", t.DatasetVersion,
	)
	if t.AgentImportPath != "" {
		argv = append(argv, "--agent-import-path", t.AgentImportPath)
	} else {
		argv = append(argv, "--agent", t.Agent)
	}
	argv = append(argv,
		"--model-name", model,
		"--run-id", runID,
		"--task-id", slug,
		"--n-concurrent", "1",
	)
	if t.GlobalTimeoutMultiplier > 0 {
		argv = append(argv, "--global-timeout-multiplier", strconv.FormatFloat(t.GlobalTimeoutMultiplier, 'f', -1, 64))
	}
	if t.LocalRegistryPath != "" {
		argv = append(argv, "--local-registry-path", t.LocalRegistryPath)
	}
	return append(argv, "--output-path", outputPath, "--cleanup")
}

// Produce runs every task of the batch into b.Dir/<slug>. Tasks whose
// invocation fails are recorded in Run.Failures and leave nothing behind.
func (t *TB) Produce(ctx context.Context, b api.Batch) (*api.Run, error) {
	run, err := BeginRun(b, api.ProducerRunner)
	if err != nil {
		return nil, err
	}
	if t.CleanupContainers {
		if err := CleanupContainers(ctx, t.Exec, t.logger()); err != nil {
			t.logger().Warn("container cleanup failed", "error", err)
		}
	}

	failures := RunUnits(ctx, run.Scheduled, t.Pool.ForBatch(b), func(ctx context.Context, slug string) error {
		return t.runTask(ctx, b, slug)
	})
	return FinishRun(run, failures, t.logger()), nil
}

func (t *TB) runTask(ctx context.Context, b api.Batch, slug string) error {
	stage, err := paths.SafeJoin(b.Dir, filepath.Join(stagingDir, slug))
	if err != nil {
		return err
	}
	dst, err := paths.SafeJoin(b.Dir, slug)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(stage); err != nil {
		return err
	}
	defer os.RemoveAll(stage)
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return err
	}

	logf, err := openUnitLog(b.Dir, slug)
	if err != nil {
		return err
	}
	defer logf.Close()

	argv := t.Args(b.Model, b.RunID, slug, stage)
	t.logger().Debug("running harness", "task", slug, "argv", strings.Join(argv, " "))
	code, err := t.Exec.Run(ctx, t.WorkDir, argv, t.Env, logf, logf)
	if err != nil {
		return fmt.Errorf("tb run %s: exit %d: %w", slug, code, err)
	}
	if code != 0 {
		return fmt.Errorf("tb run %s: exit %d", slug, code)
	}

	out, err := paths.SafeJoin(stage, filepath.Join(b.RunID, slug))
	if err != nil {
		return err
	}
	if _, err := os.Stat(out); err != nil {
		return fmt.Errorf("%w: %s", ErrNoOutput, slug)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("task directory %s already exists", dst)
	}
	return os.Rename(out, dst)
}

func openUnitLog(runDir, slug string) (*os.File, error) {
	dir := filepath.Join(runDir, logsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, slug+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// BeginRun validates the batch, creates its run root and returns the run
// record to be completed by FinishRun.
func BeginRun(b api.Batch, kind api.ProducerKind) (*api.Run, error) {
	if err := paths.ValidateRunID(b.RunID); err != nil {
		return nil, err
	}
	if b.Dir == "" {
		return nil, fmt.Errorf("run %s has no directory", b.RunID)
	}
	if _, err := os.Stat(filepath.Join(b.Dir, "run.json")); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunExists, b.Dir)
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return nil, err
	}
	slugs := make([]string, 0, len(b.Tasks))
	for _, task := range b.Tasks {
		if err := paths.ValidateSlug(task.Slug); err != nil {
			return nil, err
		}
		slugs = append(slugs, task.Slug)
	}
	return &api.Run{
		ID:        b.RunID,
		Model:     b.Model,
		Dataset:   b.Dataset,
		Round:     b.Round,
		Producer:  kind,
		Dir:       b.Dir,
		StartedAt: time.Now().UTC(),
		Scheduled: slugs,
	}, nil
}

// FinishRun stamps the run and records unit failures.
func FinishRun(run *api.Run, failures map[string]error, log *slog.Logger) *api.Run {
	_ = os.RemoveAll(filepath.Join(run.Dir, stagingDir))
	run.FinishedAt = time.Now().UTC()
	run.Failures = FailureMessages(failures)
	run.Completed = Succeeded(run.Scheduled, failures)
	if len(failures) > 0 {
		log.Warn("run finished with failed units", "run", run.ID, "failed", sortedKeys(failures))
	}
	log.Info("run finished", "run", run.ID, "scheduled", len(run.Scheduled), "failed", len(failures))
	return run
}

// CleanupContainers removes every docker container and prunes unused
// docker resources.
func CleanupContainers(ctx context.Context, r CommandRunner, log *slog.Logger) error {
	if log == nil {
		log = logs.Discard()
	}
	var out, errb bytes.Buffer
	if _, err := r.Run(ctx, "", []string{"docker", "ps", "-aq"}, nil, &out, &errb); err != nil {
		return fmt.Errorf("docker ps: %w: %s", err, strings.TrimSpace(errb.String()))
	}
	ids := strings.Fields(out.String())
	if len(ids) > 0 {
		argv := append([]string{"docker", "rm", "-f"}, ids...)
		if _, err := r.Run(ctx, "", argv, nil, io.Discard, &errb); err != nil {
			return fmt.Errorf("docker rm: %w: %s", err, strings.TrimSpace(errb.String()))
		}
		log.Info("removed docker containers", "count", len(ids))
	}
	if _, err := r.Run(ctx, "", []string{"docker", "system", "prune", "-f"}, nil, io.Discard, &errb); err != nil {
		return fmt.Errorf("docker system prune: %w: %s", err, strings.TrimSpace(errb.String()))
	}
	return nil
}
