// Package orchestrator runs the bounded multi-round trace generation loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/collector"
	"github.com/throw-if-null/recoverybench/internal/identity"
	"github.com/throw-if-null/recoverybench/internal/ledger"
	"github.com/throw-if-null/recoverybench/internal/logs"
	"github.com/throw-if-null/recoverybench/internal/paths"
	"github.com/throw-if-null/recoverybench/internal/runner"
)

var (
	ErrInvalidParams = errors.New("invalid pipeline parameters")
	ErrNoTasks       = errors.New("no tasks to run")
)

type Params struct {
	Model string
	// RecoveryModel drives rounds k >= 1; empty means Model.
	RecoveryModel string
	Dataset       string
	MinEpisodes   int
	Concurrency   int
	MaxIterations int
	InitialOnly   bool
	SkipCollect   bool
	TaskFolder    string
	// TaskIDs restricts the dataset to these slugs.
	TaskIDs []string
	RunsDir string
}

func (p Params) validate() error {
	switch {
	case p.Model == "":
		return fmt.Errorf("%w: model is required", ErrInvalidParams)
	case p.MinEpisodes <= 0:
		return fmt.Errorf("%w: min episodes must be positive", ErrInvalidParams)
	case p.Concurrency <= 0:
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidParams)
	case p.MaxIterations < 0:
		return fmt.Errorf("%w: max iterations must not be negative", ErrInvalidParams)
	case p.RunsDir == "":
		return fmt.Errorf("%w: runs dir is required", ErrInvalidParams)
	}
	return nil
}

func (p Params) recoveryModel() string {
	if p.RecoveryModel != "" {
		return p.RecoveryModel
	}
	return p.Model
}

// Recorder keeps pipeline history. store.Store implements it.
type Recorder interface {
	CreatePipeline(p api.PipelineRecord) error
	RecordRound(pipelineID string, r api.RoundRecord) error
	FinishPipeline(pipelineID, status string, tasks []api.TaskReport) error
}

// Pipeline wires the producers, identity, ledger and history together.
type Pipeline struct {
	Initial  runner.Producer
	Recovery runner.Producer
	Resolver *identity.Resolver
	// Snapshots receives the registry after every round; may be nil.
	Snapshots ledger.SnapshotWriter
	Recorder  Recorder
	Logger    *slog.Logger

	Now   func() time.Time
	NewID func() string
}

type Result struct {
	PipelineID   string
	Runs         []*api.Run
	Tasks        []api.TaskReport
	Entries      map[string]*api.RegistryEntry
	CollectedDir string
	Corpus       *api.Corpus
}

// Rounds returns the number of rounds that ran.
func (r *Result) Rounds() int { return len(r.Runs) }

func (pl *Pipeline) logger() *slog.Logger {
	if pl.Logger == nil {
		return logs.Discard()
	}
	return pl.Logger
}

func (pl *Pipeline) now() time.Time {
	if pl.Now != nil {
		return pl.Now()
	}
	return time.Now()
}

func (pl *Pipeline) newID() string {
	if pl.NewID != nil {
		return pl.NewID()
	}
	return uuid.NewString()
}

// state carries one pipeline invocation between rounds.
type state struct {
	params  Params
	id      string
	stamp   string
	defs    identity.Definitions
	tasks   map[string][]api.Task
	ids     []string
	tracker *Tracker
	ledger  *ledger.Ledger
	result  *Result
	runDirs []string
}

// Run executes round 0 and up to MaxIterations recovery rounds, then merges
// every round into a collected corpus.
func (pl *Pipeline) Run(ctx context.Context, p Params) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if pl.Resolver == nil {
		pl.Resolver = identity.NewResolver()
	}
	ctx, span := otel.Tracer("recoverybench/orchestrator").Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", p.Model),
		attribute.Int("min_episodes", p.MinEpisodes),
		attribute.Int("max_iterations", p.MaxIterations),
	)

	st, err := pl.prepare(p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("pipeline_id", st.id), attribute.Int("tasks", len(st.ids)))

	if err := pl.rounds(ctx, st); err != nil {
		pl.finish(st, "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return st.result, err
	}

	st.result.Tasks = finalStatuses(st)
	if !p.InitialOnly && !p.SkipCollect {
		dest := filepath.Join(p.RunsDir, paths.CollectedDirName(p.Model, st.stamp))
		corpus, err := collector.Merge(ctx, st.runDirs, dest, collector.Options{MinEpisodes: p.MinEpisodes, Logger: pl.logger()})
		if err != nil {
			pl.finish(st, "failed")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return st.result, fmt.Errorf("collect: %w", err)
		}
		st.result.CollectedDir = dest
		st.result.Corpus = corpus
	}
	pl.finish(st, "completed")
	return st.result, nil
}

func (pl *Pipeline) prepare(p Params) (*state, error) {
	defs, err := identity.LoadDefinitions(p.TaskFolder, p.TaskIDs)
	if err != nil {
		return nil, err
	}
	tasks, err := identity.Tasks(pl.Resolver, defs)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	byID := map[string][]api.Task{}
	for _, t := range tasks {
		byID[t.CanonicalID] = append(byID[t.CanonicalID], t)
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	st := &state{
		params:  p,
		id:      pl.newID(),
		stamp:   pl.now().Format(paths.StampLayout),
		defs:    defs,
		tasks:   byID,
		ids:     ids,
		tracker: NewTracker(ids),
		ledger:  &ledger.Ledger{MinEpisodes: p.MinEpisodes, Writer: pl.Snapshots, Logger: pl.logger()},
	}
	st.result = &Result{PipelineID: st.id}

	if pl.Recorder != nil {
		if err := pl.Recorder.CreatePipeline(api.PipelineRecord{
			ID:            st.id,
			Model:         p.Model,
			Dataset:       p.Dataset,
			MinEpisodes:   p.MinEpisodes,
			MaxIterations: p.MaxIterations,
			StartedAt:     pl.now().UTC().Format(time.RFC3339),
		}); err != nil {
			return nil, fmt.Errorf("record pipeline: %w", err)
		}
	}
	pl.logger().Info("pipeline started", "pipeline", st.id, "model", p.Model, "tasks", len(ids), "slugs", len(tasks))
	return st, nil
}

func (pl *Pipeline) rounds(ctx context.Context, st *state) error {
	p := st.params

	// Round 0 runs every slug of the dataset.
	var all []api.Task
	for _, id := range st.ids {
		all = append(all, st.tasks[id]...)
		if err := st.tracker.Transition(id, StateUnseen, StateScheduled); err != nil {
			return err
		}
	}
	b := api.Batch{
		RunID:   paths.InitialRunID(p.Model, st.stamp),
		Model:   p.Model,
		Dataset: p.Dataset,
		Round:   0,
		Tasks:   all,

		Concurrency: p.Concurrency,
	}
	if err := pl.round(ctx, st, pl.Initial, b, st.ids); err != nil {
		return err
	}
	if p.InitialOnly {
		return nil
	}

	for k := 1; k <= p.MaxIterations; k++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending := pl.unsolved(st)
		if len(pending) == 0 {
			pl.logger().Info("no unsolved tasks left", "round", k)
			return nil
		}
		var batchTasks []api.Task
		for _, id := range pending {
			// One slug per canonical task; the others share its episodes.
			batchTasks = append(batchTasks, st.tasks[id][0])
			if err := st.tracker.Transition(id, StateAttempted, StateScheduled); err != nil {
				return err
			}
		}
		b := api.Batch{
			RunID:     paths.ReplayRunID(p.Model, st.stamp, k),
			Model:     p.recoveryModel(),
			Dataset:   p.Dataset,
			Round:     k,
			Tasks:     batchTasks,
			PriorRuns: append([]string{}, st.runDirs...),

			Concurrency: p.Concurrency,
		}
		if err := pl.round(ctx, st, pl.Recovery, b, pending); err != nil {
			return err
		}
	}
	return nil
}

// unsolved returns U_k: tasks with no ledger entry or still needing
// attempts. Everything else is done.
func (pl *Pipeline) unsolved(st *state) []string {
	var pending []string
	for _, id := range st.tracker.In(StateAttempted) {
		if ledger.NeedsMoreAttempts(st.result.Entries[id], st.params.MinEpisodes) {
			pending = append(pending, id)
			continue
		}
		_ = st.tracker.Transition(id, StateAttempted, StateDone)
	}
	return pending
}

func (pl *Pipeline) round(ctx context.Context, st *state, prod runner.Producer, b api.Batch, scheduled []string) error {
	if prod == nil {
		return fmt.Errorf("round %d: no producer", b.Round)
	}
	ctx, span := otel.Tracer("recoverybench/orchestrator").Start(ctx, "pipeline.round",
		trace.WithAttributes(attribute.Int("round", b.Round), attribute.String("run_id", b.RunID), attribute.Int("scheduled", len(b.Tasks))))
	defer span.End()

	started := pl.now().UTC()
	b.Dir = filepath.Join(st.params.RunsDir, b.RunID)
	log := pl.logger().With("pipeline", st.id, "round", b.Round, "run", b.RunID)
	log.Info("round started", "tasks", len(b.Tasks))

	run, err := prod.Produce(ctx, b)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("round %d: %w", b.Round, err)
	}
	// The barrier: every unit of the round has finished here.
	reorg := &identity.Reorganizer{Resolver: pl.Resolver, Logger: log}
	if _, err := reorg.Reorganize(run.Dir, st.defs); err != nil {
		return fmt.Errorf("round %d: reorganize: %w", b.Round, err)
	}
	if err := ledger.WriteRun(run); err != nil {
		return fmt.Errorf("round %d: write run record: %w", b.Round, err)
	}
	st.runDirs = append(st.runDirs, run.Dir)
	entries, err := st.ledger.Register(st.runDirs)
	if err != nil {
		return fmt.Errorf("round %d: ledger: %w", b.Round, err)
	}
	st.result.Entries = entries

	run.Episodes = runEpisodes(entries, run.ID)
	if err := ledger.WriteRun(run); err != nil {
		return fmt.Errorf("round %d: write run record: %w", b.Round, err)
	}
	st.result.Runs = append(st.result.Runs, run)

	for _, id := range scheduled {
		if err := st.tracker.Transition(id, StateScheduled, StateAttempted); err != nil {
			return err
		}
	}

	rec := api.RoundRecord{
		Round:      b.Round,
		RunID:      run.ID,
		RunDir:     run.Dir,
		Scheduled:  len(b.Tasks),
		Produced:   len(run.Episodes),
		Failed:     len(run.Failures),
		StartedAt:  started.Format(time.RFC3339),
		FinishedAt: pl.now().UTC().Format(time.RFC3339),
	}
	span.SetAttributes(attribute.Int("produced", rec.Produced), attribute.Int("failed", rec.Failed))
	if pl.Recorder != nil {
		if err := pl.Recorder.RecordRound(st.id, rec); err != nil {
			return fmt.Errorf("round %d: record: %w", b.Round, err)
		}
	}
	log.Info("round finished", "produced", rec.Produced, "failed", rec.Failed)
	return nil
}

func runEpisodes(entries map[string]*api.RegistryEntry, runID string) []api.Episode {
	var out []api.Episode
	for _, e := range ledger.Sorted(entries) {
		for _, ep := range e.Episodes {
			if ep.RunID == runID {
				out = append(out, ep)
			}
		}
	}
	return out
}

// finalStatuses moves every task to done and classifies it.
func finalStatuses(st *state) []api.TaskReport {
	out := make([]api.TaskReport, 0, len(st.ids))
	for _, id := range st.ids {
		if st.tracker.State(id) == StateAttempted {
			_ = st.tracker.Transition(id, StateAttempted, StateDone)
		}
		e := st.result.Entries[id]
		r := api.TaskReport{CanonicalID: id, Slug: st.tasks[id][0].Slug}
		switch {
		case e != nil && e.Solved:
			r.Status = api.StatusSolved
		case e == nil || e.EpisodeCount < st.params.MinEpisodes:
			r.Status = api.StatusInsufficientEvidence
		default:
			r.Status = api.StatusExhaustedUnsolved
		}
		if e != nil {
			r.EpisodeCount = e.EpisodeCount
		}
		out = append(out, r)
	}
	return out
}

func (pl *Pipeline) finish(st *state, status string) {
	if pl.Recorder == nil {
		return
	}
	if err := pl.Recorder.FinishPipeline(st.id, status, st.result.Tasks); err != nil {
		pl.logger().Error("record pipeline finish failed", "pipeline", st.id, "error", err)
	}
}
