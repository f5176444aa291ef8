// Package replay produces recovery episodes: each new episode resumes from a
// prior failed trajectory of the same task.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/ledger"
	"github.com/throw-if-null/recoverybench/internal/logs"
	"github.com/throw-if-null/recoverybench/internal/paths"
	"github.com/throw-if-null/recoverybench/internal/runner"
)

var (
	// ErrRunIDReuse is returned when the new episode would share the seed's run id.
	ErrRunIDReuse = errors.New("run id reuses the seed's run id")
	// ErrNoResult is returned when a session ends without a readable result.
	ErrNoResult = errors.New("session produced no result")
)

// ProvenanceFile records which seed a recovery episode was derived from.
const ProvenanceFile = "replay.json"

// Request describes one recovery session.
type Request struct {
	Task  api.Task
	Seed  *api.Episode
	Model string
	RunID string
	// WorkDir is an empty scratch directory owned by the session call.
	WorkDir string
	Log     io.Writer
}

// Session runs one recovery attempt and returns the trial directory it
// wrote, somewhere under req.WorkDir.
type Session interface {
	Replay(ctx context.Context, req Request) (string, error)
}

// preparer is implemented by sessions that need setup before a run.
type preparer interface {
	Prepare(ctx context.Context) error
}

type Provenance struct {
	RunID     string       `json:"run_id"`
	Model     string       `json:"model"`
	Strategy  string       `json:"strategy"`
	Seed      *api.Episode `json:"seed,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Controller is the replay episode producer.
type Controller struct {
	Session  Session
	Strategy Strategy
	Pool     runner.PoolOptions
	Logger   *slog.Logger
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger == nil {
		return logs.Discard()
	}
	return c.Logger
}

func (c *Controller) strategy() Strategy {
	if c.Strategy == nil {
		return LongestFailed{}
	}
	return c.Strategy
}

// Produce runs one recovery session for every task of the batch. Seeds are
// taken from b.PriorRuns, which must be in canonical layout.
func (c *Controller) Produce(ctx context.Context, b api.Batch) (*api.Run, error) {
	run, err := runner.BeginRun(b, api.ProducerReplay)
	if err != nil {
		return nil, err
	}
	seeds, err := PriorEpisodes(b.PriorRuns, c.logger())
	if err != nil {
		return nil, err
	}
	if p, ok := c.Session.(preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			c.logger().Warn("session preparation failed", "error", err)
		}
	}

	bySlug := make(map[string]api.Task, len(b.Tasks))
	for _, t := range b.Tasks {
		bySlug[t.Slug] = t
	}
	failures := runner.RunUnits(ctx, run.Scheduled, c.Pool.ForBatch(b), func(ctx context.Context, slug string) error {
		task := bySlug[slug]
		_, err := c.ProduceEpisode(ctx, task, seeds[task.CanonicalID], b.RunID, b.Dir, b.Model)
		return err
	})
	return runner.FinishRun(run, failures, c.logger()), nil
}

// PriorEpisodes collects the episodes of runDirs per canonical id, keeping
// run order then index order.
func PriorEpisodes(runDirs []string, logger *slog.Logger) (map[string][]api.Episode, error) {
	out := map[string][]api.Episode{}
	for _, dir := range runDirs {
		scan, err := ledger.ScanRun(dir, logger)
		if err != nil {
			return nil, err
		}
		for _, ep := range scan.Episodes {
			out[ep.CanonicalID] = append(out[ep.CanonicalID], ep)
		}
	}
	return out, nil
}

// ProduceEpisode runs a single recovery session for task and places exactly
// one new trial under runDir/<slug>. On any failure nothing is left behind.
// An empty seed list starts the session fresh.
func (c *Controller) ProduceEpisode(ctx context.Context, task api.Task, seeds []api.Episode, runID, runDir, model string) (*api.Episode, error) {
	if err := paths.ValidateSlug(task.Slug); err != nil {
		return nil, err
	}
	seed := c.strategy().Select(seeds)
	if seed != nil && seed.RunID == runID {
		return nil, fmt.Errorf("%w: %s", ErrRunIDReuse, runID)
	}

	staging := filepath.Join(runDir, ".staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, err
	}
	work, err := os.MkdirTemp(staging, task.Slug+"-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(work)

	logf, err := openLog(runDir, task.Slug)
	if err != nil {
		return nil, err
	}
	defer logf.Close()

	log := c.logger().With("task", task.Slug, "run", runID)
	if seed != nil {
		log.Info("replaying from seed", "seed", seed.Key(), "steps", seed.TrajectoryLen)
	} else {
		log.Info("no failed seed, starting fresh")
	}

	trialDir, err := c.Session.Replay(ctx, Request{Task: task, Seed: seed, Model: model, RunID: runID, WorkDir: work, Log: logf})
	if err != nil {
		return nil, err
	}
	outcome, err := ledger.ReadOutcome(trialDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResult, err)
	}
	prov := Provenance{RunID: runID, Model: model, Strategy: c.strategy().Name(), Seed: seed, CreatedAt: time.Now().UTC()}
	if err := paths.WriteJSONAtomic(filepath.Join(trialDir, ProvenanceFile), prov); err != nil {
		return nil, err
	}

	slugDir, err := paths.SafeJoin(runDir, task.Slug)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(slugDir, 0o755); err != nil {
		return nil, err
	}
	k, err := nextTrial(slugDir, task.Slug)
	if err != nil {
		return nil, err
	}
	dst := filepath.Join(slugDir, paths.TrialName(task.Slug, k, 1))
	if err := os.Rename(trialDir, dst); err != nil {
		return nil, err
	}
	return &api.Episode{
		RunID:         runID,
		CanonicalID:   task.CanonicalID,
		Slug:          task.Slug,
		Outcome:       outcome,
		Path:          dst,
		TrajectoryLen: ledger.TrajectoryLen(dst),
	}, nil
}

func nextTrial(slugDir, slug string) (int, error) {
	ents, err := os.ReadDir(slugDir)
	if err != nil {
		return 0, err
	}
	k := 0
	for _, e := range ents {
		if n, _, ok := paths.ParseTrial(slug, e.Name()); ok && n > k {
			k = n
		}
	}
	return k + 1, nil
}

func openLog(runDir, slug string) (*os.File, error) {
	dir := filepath.Join(runDir, ".logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, slug+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
