package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/throw-if-null/recoverybench/internal/logs"
	"github.com/throw-if-null/recoverybench/internal/paths"
)

// ErrLayoutCollision is returned when a move target already holds an entry
// of the same name.
var ErrLayoutCollision = errors.New("layout collision")

// Reorganizer regroups a run root from run_root/<slug>/... into
// run_root/<canonical_id>/<slug>/... and back.
type Reorganizer struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

func (o *Reorganizer) logger() *slog.Logger {
	if o.Logger == nil {
		return logs.Discard()
	}
	return o.Logger
}

type move struct {
	slug string
	id   string
}

// Reorganize groups every slug directory under its canonical id. All slugs
// are resolved before anything moves; a slug without a definition fails the
// whole operation with ErrUnknownTask. Already grouped directories are left
// alone, so a second call is a no-op.
func (o *Reorganizer) Reorganize(runRoot string, defs Definitions) (int, error) {
	ents, err := os.ReadDir(runRoot)
	if err != nil {
		return 0, fmt.Errorf("read run root: %w", err)
	}

	var moves []move
	for _, e := range ents {
		name := e.Name()
		if !e.IsDir() || paths.Ignored(name) || paths.IsCanonicalID(name) {
			continue
		}
		instruction, ok := defs[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownTask, name)
		}
		id, err := o.Resolver.Resolve(name, instruction)
		if err != nil {
			return 0, err
		}
		moves = append(moves, move{slug: name, id: id})
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].slug < moves[j].slug })

	for _, m := range moves {
		src := filepath.Join(runRoot, m.slug)
		dst := filepath.Join(runRoot, m.id, m.slug)
		if err := os.MkdirAll(filepath.Join(runRoot, m.id), 0o755); err != nil {
			return 0, err
		}
		if err := moveInto(src, dst); err != nil {
			return 0, fmt.Errorf("move %s: %w", m.slug, err)
		}
		o.logger().Info("reorganized task", "slug", m.slug, "canonical_id", m.id)
	}
	return len(moves), nil
}

// Restore moves run_root/<canonical_id>/<slug> back to run_root/<slug> and
// removes the emptied canonical directories.
func (o *Reorganizer) Restore(runRoot string) (int, error) {
	ents, err := os.ReadDir(runRoot)
	if err != nil {
		return 0, fmt.Errorf("read run root: %w", err)
	}
	n := 0
	for _, e := range ents {
		if !e.IsDir() || !paths.IsCanonicalID(e.Name()) {
			continue
		}
		idDir := filepath.Join(runRoot, e.Name())
		slugs, err := os.ReadDir(idDir)
		if err != nil {
			return n, err
		}
		for _, s := range slugs {
			if !s.IsDir() || paths.Ignored(s.Name()) {
				continue
			}
			if err := moveInto(filepath.Join(idDir, s.Name()), filepath.Join(runRoot, s.Name())); err != nil {
				return n, fmt.Errorf("restore %s: %w", s.Name(), err)
			}
			o.logger().Info("restored task", "slug", s.Name(), "canonical_id", e.Name())
			n++
		}
		// Only removes the directory when nothing else is left in it.
		if err := os.Remove(idDir); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.logger().Warn("canonical directory not empty after restore", "dir", idDir, "error", err)
		}
	}
	return n, nil
}

// moveInto renames src to dst. When dst already exists (a run that was
// partially regrouped before) the children of src are moved one by one.
func moveInto(src, dst string) error {
	if _, err := os.Stat(dst); errors.Is(err, os.ErrNotExist) {
		return os.Rename(src, dst)
	} else if err != nil {
		return err
	}
	kids, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, k := range kids {
		target := filepath.Join(dst, k.Name())
		if _, err := os.Lstat(target); err == nil {
			return fmt.Errorf("%w: %s", ErrLayoutCollision, target)
		}
		if err := os.Rename(filepath.Join(src, k.Name()), target); err != nil {
			return err
		}
	}
	return os.Remove(src)
}
