package paths

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidSlug returned when a task slug fails validation
	ErrInvalidSlug = errors.New("invalid task slug")
	// ErrInvalidRunID returned when a run id fails validation
	ErrInvalidRunID = errors.New("invalid run id")
)

const maxNameLen = 128

// CanonicalIDLen is the number of hex characters kept from the instruction digest.
const CanonicalIDLen = 8

var (
	nameRe        = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxNameLen) + `}$`)
	canonicalIDRe = regexp.MustCompile(`^[0-9a-f]{` + strconv.Itoa(CanonicalIDLen) + `}$`)
	trialRe       = regexp.MustCompile(`^\.(\d+)-of-(\d+)(\..*)?$`)
)

// ValidateSlug returns nil for allowed task slugs, or ErrInvalidSlug.
// Rules:
// - Only allow ASCII letters, digits, dot, underscore and dash.
// - Max length is 128.
// - Disallow any ".." substring and a leading dot.
// - Disallow the canonical id form, which names the grouping directories
//   of a reorganized run root.
func ValidateSlug(slug string) error {
	if err := validateName(slug); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSlug, err)
	}
	if IsCanonicalID(slug) {
		return fmt.Errorf("%w: %q has the form of a canonical id", ErrInvalidSlug, slug)
	}
	return nil
}

// ValidateRunID applies the slug rules to run ids, which become directory names.
func ValidateRunID(id string) error {
	if err := validateName(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRunID, err)
	}
	return nil
}

func validateName(s string) error {
	if s == "" {
		return errors.New("empty")
	}
	if len(s) > maxNameLen {
		return errors.New("too long")
	}
	if strings.Contains(s, "..") {
		return errors.New("contains disallowed '..'")
	}
	if strings.HasPrefix(s, ".") {
		return errors.New("leading dot")
	}
	if !nameRe.MatchString(s) {
		return fmt.Errorf("%q contains invalid characters", s)
	}
	return nil
}

// IsCanonicalID reports whether name has the form of a canonical task id.
func IsCanonicalID(name string) bool {
	return canonicalIDRe.MatchString(name)
}

// Ignored reports whether a run-root entry name is bookkeeping rather than task output.
func Ignored(name string) bool {
	return name == "" || strings.HasPrefix(name, ".")
}

// ParseTrial parses a trial directory name of the form
// "<slug>.<k>-of-<n>[.<suffix>]" and returns k and n.
func ParseTrial(slug, name string) (k, n int, ok bool) {
	if !strings.HasPrefix(name, slug) {
		return 0, 0, false
	}
	m := trialRe.FindStringSubmatch(name[len(slug):])
	if m == nil {
		return 0, 0, false
	}
	k, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	n, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return k, n, true
}

// IsTrialOf reports whether name is a trial directory of slug.
func IsTrialOf(slug, name string) bool {
	_, _, ok := ParseTrial(slug, name)
	return ok
}

// TrialName returns the trial directory name for the k-th of n trials.
func TrialName(slug string, k, n int) string {
	return fmt.Sprintf("%s.%d-of-%d", slug, k, n)
}

// ModelShort returns the last path element of a provider-qualified model
// name ("anthropic/claude-x" -> "claude-x").
func ModelShort(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}

// InitialRunID, ReplayRunID and CollectedDirName name the directories of one pipeline invocation.
// StampLayout formats the timestamp shared by the run ids of one pipeline.
const StampLayout = "20060102_150405"

func InitialRunID(model, stamp string) string {
	return fmt.Sprintf("initial-%s-%s", ModelShort(model), stamp)
}

func ReplayRunID(model, stamp string, iteration int) string {
	return fmt.Sprintf("replay-%s-%s-iter%d", ModelShort(model), stamp, iteration)
}

func CollectedDirName(model, stamp string) string {
	return fmt.Sprintf("%s-collected-%s", ModelShort(model), stamp)
}

// SafeJoin joins root with rel and ensures the resulting path is inside root.
// Returns an error if the result would escape root or if rel is absolute.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	// If rel is absolute, joining will return rel; treat absolute rel as disallowed.
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	cleaned := filepath.Clean(filepath.Join(root, rel))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absCleaned, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absCleaned)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return absCleaned, nil
}

// MarshalStable renders v as indented JSON with a trailing newline. Map keys
// are sorted by encoding/json, so equal values give equal bytes.
func MarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// WriteJSONAtomic writes v to path via a temp file and rename.
func WriteJSONAtomic(path string, v any) error {
	b, err := MarshalStable(v)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, b, 0o644)
}

func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// ReadJSON decodes the JSON file at path into dst.
func ReadJSON(path string, dst any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
