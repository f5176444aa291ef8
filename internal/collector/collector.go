// Package collector merges episodes from several runs into one capped,
// deduplicated corpus.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/ledger"
	"github.com/throw-if-null/recoverybench/internal/logs"
	"github.com/throw-if-null/recoverybench/internal/paths"
)

var (
	// ErrAmbiguousOrder is returned when inputs cannot be put in a
	// chronological order without guessing.
	ErrAmbiguousOrder = errors.New("ambiguous input order")
	// ErrNoInputs is returned when Merge is called without inputs.
	ErrNoInputs = errors.New("no inputs")
)

// CorpusFile is the provenance file written at the top of a corpus.
const CorpusFile = "corpus.json"

type Options struct {
	MinEpisodes int
	// UnsolvedOnly excludes solved episodes from the selection.
	UnsolvedOnly bool
	Logger       *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return logs.Discard()
	}
	return o.Logger
}

type candidate struct {
	ep   api.Episode
	path string
}

// Merge copies the selected episodes of inputs into dest and returns the
// resulting corpus. Inputs are consumed in the order given; per canonical
// task the first MinEpisodes distinct episodes are kept. dest ends up
// holding exactly the selection.
func Merge(ctx context.Context, inputs []string, dest string, opts Options) (*api.Corpus, error) {
	ctx, span := otel.Tracer("recoverybench/collector").Start(ctx, "collector.merge")
	defer span.End()
	span.SetAttributes(attribute.Int("inputs", len(inputs)), attribute.Int("min_episodes", opts.MinEpisodes))

	corpus, err := merge(ctx, inputs, dest, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("tasks", len(corpus.Tasks)))
	return corpus, nil
}

func merge(ctx context.Context, inputs []string, dest string, opts Options) (*api.Corpus, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}
	if opts.MinEpisodes <= 0 {
		return nil, fmt.Errorf("min episodes must be positive, got %d", opts.MinEpisodes)
	}
	log := opts.logger()

	var order []string
	selected := map[string][]candidate{}
	seen := map[string]bool{}
	for _, in := range inputs {
		cands, err := readInput(in, log)
		if err != nil {
			return nil, err
		}
		for _, c := range cands {
			if opts.UnsolvedOnly && c.ep.Outcome == api.OutcomeSolved {
				continue
			}
			id := c.ep.CanonicalID
			// Episode indexes restart per canonical task within a run.
			key := id + "/" + c.ep.Key()
			if seen[key] {
				log.Debug("duplicate episode dropped", "episode", key, "input", in)
				continue
			}
			seen[key] = true
			if _, ok := selected[id]; !ok {
				order = append(order, id)
			}
			if len(selected[id]) >= opts.MinEpisodes {
				continue
			}
			selected[id] = append(selected[id], c)
		}
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}
	corpus := &api.Corpus{MinEpisodes: opts.MinEpisodes, Tasks: map[string][]api.CorpusEpisode{}}
	sort.Strings(order)
	for _, id := range order {
		for _, c := range selected[id] {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			name := c.ep.Key()
			if err := place(c.path, filepath.Join(dest, id, name)); err != nil {
				return nil, fmt.Errorf("copy episode %s/%s: %w", id, name, err)
			}
			corpus.Tasks[id] = append(corpus.Tasks[id], api.CorpusEpisode{
				Name:          name,
				RunID:         c.ep.RunID,
				Index:         c.ep.Index,
				Slug:          c.ep.Slug,
				Outcome:       c.ep.Outcome,
				TrajectoryLen: c.ep.TrajectoryLen,
			})
		}
	}

	if err := prune(dest, corpus, log); err != nil {
		return nil, err
	}
	if err := paths.WriteJSONAtomic(filepath.Join(dest, CorpusFile), corpus); err != nil {
		return nil, fmt.Errorf("write corpus: %w", err)
	}
	log.Info("corpus merged", "dest", dest, "tasks", len(corpus.Tasks))
	return corpus, nil
}

// readInput returns the episodes of a run root or of a previous corpus.
func readInput(dir string, log *slog.Logger) ([]candidate, error) {
	prev, err := ReadCorpus(dir)
	if err == nil {
		var out []candidate
		ids := make([]string, 0, len(prev.Tasks))
		for id := range prev.Tasks {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			for _, ce := range prev.Tasks[id] {
				out = append(out, candidate{
					ep: api.Episode{
						RunID:         ce.RunID,
						CanonicalID:   id,
						Slug:          ce.Slug,
						Index:         ce.Index,
						Outcome:       ce.Outcome,
						TrajectoryLen: ce.TrajectoryLen,
					},
					path: filepath.Join(dir, id, ce.Name),
				})
			}
		}
		return out, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read corpus %s: %w", dir, err)
	}

	scan, err := ledger.ScanRun(dir, log)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(scan.Episodes))
	for _, ep := range scan.Episodes {
		out = append(out, candidate{ep: ep, path: ep.Path})
	}
	return out, nil
}

// ReadCorpus loads corpus.json from a corpus directory.
func ReadCorpus(dir string) (*api.Corpus, error) {
	var c api.Corpus
	if err := paths.ReadJSON(filepath.Join(dir, CorpusFile), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// place makes dst an exact copy of src. An identical existing copy is left
// alone; anything else is replaced through a staged directory.
func place(src, dst string) error {
	same, err := samePath(src, dst)
	if err != nil {
		return err
	}
	if same {
		return nil
	}
	if _, err := os.Stat(dst); err == nil {
		a, err := treeDigest(src)
		if err != nil {
			return err
		}
		b, err := treeDigest(dst)
		if err != nil {
			return err
		}
		if a == b {
			return nil
		}
	}
	parent := filepath.Dir(dst)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dst)+".tmp.")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)
	tmp := filepath.Join(staging, "episode")
	if err := paths.CopyTree(src, tmp); err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func samePath(a, b string) (bool, error) {
	aa, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	bb, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return aa == bb, nil
}

// prune removes canonical task directories and episode directories under
// dest that are not part of corpus.
func prune(dest string, corpus *api.Corpus, log *slog.Logger) error {
	ents, err := os.ReadDir(dest)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if !e.IsDir() || !paths.IsCanonicalID(e.Name()) {
			continue
		}
		idDir := filepath.Join(dest, e.Name())
		keep, ok := corpus.Tasks[e.Name()]
		if !ok {
			log.Info("pruning stale task", "canonical_id", e.Name())
			if err := os.RemoveAll(idDir); err != nil {
				return err
			}
			continue
		}
		names := map[string]bool{}
		for _, ce := range keep {
			names[ce.Name] = true
		}
		kids, err := os.ReadDir(idDir)
		if err != nil {
			return err
		}
		for _, k := range kids {
			if names[k.Name()] {
				continue
			}
			log.Info("pruning stale episode", "canonical_id", e.Name(), "episode", k.Name())
			if err := os.RemoveAll(filepath.Join(idDir, k.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// OrderChronological sorts run roots by the start time recorded in their
// run.json. A missing timestamp or a tie fails with ErrAmbiguousOrder.
func OrderChronological(inputs []string) ([]string, error) {
	type stamped struct {
		dir string
		run *api.Run
	}
	all := make([]stamped, 0, len(inputs))
	for _, in := range inputs {
		r, err := ledger.ReadRun(in)
		if err != nil {
			return nil, fmt.Errorf("%w: %s has no run record: %v", ErrAmbiguousOrder, in, err)
		}
		if r.StartedAt.IsZero() {
			return nil, fmt.Errorf("%w: %s has no start time", ErrAmbiguousOrder, in)
		}
		all = append(all, stamped{dir: in, run: r})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].run.StartedAt.Before(all[j].run.StartedAt) })
	out := make([]string, len(all))
	for i, s := range all {
		if i > 0 && s.run.StartedAt.Equal(all[i-1].run.StartedAt) {
			return nil, fmt.Errorf("%w: %s and %s start at the same time", ErrAmbiguousOrder, all[i-1].dir, s.dir)
		}
		out[i] = s.dir
	}
	return out, nil
}
