package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/throw-if-null/recoverybench/internal/api"
	"github.com/throw-if-null/recoverybench/internal/paths"
)

// Definitions maps task slug to its instruction text.
type Definitions map[string]string

// Slugs returns the defined slugs in sorted order.
func (d Definitions) Slugs() []string {
	out := make([]string, 0, len(d))
	for s := range d {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type taskFile struct {
	Instruction  string `yaml:"instruction"`
	Descriptions []struct {
		Key         string `yaml:"key"`
		Description string `yaml:"description"`
	} `yaml:"descriptions"`
}

func (f taskFile) instruction() string {
	if f.Instruction != "" {
		return f.Instruction
	}
	for _, d := range f.Descriptions {
		if d.Key == "base" {
			return d.Description
		}
	}
	return ""
}

// ReadTaskFile reads the instruction from a terminal-bench task.yaml.
func ReadTaskFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var f taskFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	text := f.instruction()
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyInstruction, path)
	}
	return text, nil
}

// LoadDefinitions reads <taskFolder>/<slug>/task.yaml for every task
// directory. When allow is non-empty only those slugs are loaded and each
// of them must exist.
func LoadDefinitions(taskFolder string, allow []string) (Definitions, error) {
	defs := Definitions{}
	if len(allow) > 0 {
		for _, slug := range allow {
			if err := paths.ValidateSlug(slug); err != nil {
				return nil, err
			}
			text, err := ReadTaskFile(filepath.Join(taskFolder, slug, "task.yaml"))
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownTask, slug)
			}
			if err != nil {
				return nil, err
			}
			defs[slug] = text
		}
		return defs, nil
	}

	ents, err := os.ReadDir(taskFolder)
	if err != nil {
		return nil, fmt.Errorf("read task folder: %w", err)
	}
	for _, e := range ents {
		if !e.IsDir() || paths.Ignored(e.Name()) {
			continue
		}
		text, err := ReadTaskFile(filepath.Join(taskFolder, e.Name(), "task.yaml"))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		defs[e.Name()] = text
	}
	return defs, nil
}

// Tasks resolves the definitions into api.Task values ordered by slug.
func Tasks(r *Resolver, defs Definitions) ([]api.Task, error) {
	ids, err := r.ResolveAll(defs)
	if err != nil {
		return nil, err
	}
	out := make([]api.Task, 0, len(ids))
	for _, slug := range defs.Slugs() {
		out = append(out, api.Task{Slug: slug, Instruction: defs[slug], CanonicalID: ids[slug]})
	}
	return out, nil
}
