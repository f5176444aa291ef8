package replay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/throw-if-null/recoverybench/internal/paths"
	"github.com/throw-if-null/recoverybench/internal/runner"
)

// TBSession runs the replay agent through the terminal-bench harness. The
// agent reads the seed from TRAJECTORY_FOLDER/<canonical_id>/<slug>/<slug>.1-of-1.
type TBSession struct {
	TB *runner.TB
}

func (s *TBSession) Prepare(ctx context.Context) error {
	if !s.TB.CleanupContainers {
		return nil
	}
	return runner.CleanupContainers(ctx, s.TB.Exec, s.TB.Logger)
}

func (s *TBSession) Replay(ctx context.Context, req Request) (string, error) {
	seedRoot, err := filepath.Abs(filepath.Join(req.WorkDir, "seed"))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(seedRoot, 0o755); err != nil {
		return "", err
	}
	env := append([]string{}, s.TB.Env...)
	env = append(env, "TRAJECTORY_FOLDER="+seedRoot)
	if req.Seed != nil {
		dst := filepath.Join(seedRoot, req.Seed.CanonicalID, req.Seed.Slug, paths.TrialName(req.Seed.Slug, 1, 1))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", err
		}
		if err := paths.CopyTree(req.Seed.Path, dst); err != nil {
			return "", fmt.Errorf("stage seed %s: %w", req.Seed.Key(), err)
		}
		env = append(env, "SEED_TRAJECTORY="+req.Seed.Key())
	}

	out := filepath.Join(req.WorkDir, "out")
	argv := s.TB.Args(req.Model, req.RunID, req.Task.Slug, out)
	code, err := s.TB.Exec.Run(ctx, s.TB.WorkDir, argv, env, req.Log, req.Log)
	if err != nil {
		return "", fmt.Errorf("tb run %s: exit %d: %w", req.Task.Slug, code, err)
	}
	if code != 0 {
		return "", fmt.Errorf("tb run %s: exit %d", req.Task.Slug, code)
	}
	return findTrial(filepath.Join(out, req.RunID, req.Task.Slug), req.Task.Slug)
}

func findTrial(slugDir, slug string) (string, error) {
	ents, err := os.ReadDir(slugDir)
	if err != nil {
		return "", fmt.Errorf("%w: %s", runner.ErrNoOutput, slug)
	}
	var names []string
	for _, e := range ents {
		if e.IsDir() && paths.IsTrialOf(slug, e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: %s", runner.ErrNoOutput, slug)
	}
	sort.Strings(names)
	return filepath.Join(slugDir, names[0]), nil
}
