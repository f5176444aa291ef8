package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/throw-if-null/recoverybench/internal/paths"
)

var (
	// ErrIdentityConflict is wrapped by every *ConflictError.
	ErrIdentityConflict = errors.New("task identity conflict")
	// ErrUnknownTask is returned when a slug has no task definition.
	ErrUnknownTask = errors.New("unknown task")
	// ErrEmptyInstruction is returned for instructions that normalize to nothing.
	ErrEmptyInstruction = errors.New("empty instruction")
)

// ConflictError reports two different instructions (or two ids for one slug)
// that would share an identity. It is fatal to the operation that hit it.
type ConflictError struct {
	CanonicalID string
	Slug        string
	Text        string
	OtherID     string
	OtherSlug   string
	OtherText   string
}

func (e *ConflictError) Error() string {
	if e.OtherID != "" && e.OtherID != e.CanonicalID {
		return fmt.Sprintf("slug %q resolves to %s but is bound to %s", e.Slug, e.CanonicalID, e.OtherID)
	}
	return fmt.Sprintf("canonical id %s: slug %q (%q) collides with slug %q (%q)",
		e.CanonicalID, e.Slug, e.Text, e.OtherSlug, e.OtherText)
}

func (e *ConflictError) Unwrap() error { return ErrIdentityConflict }

// Digest maps normalized instruction text to a canonical id.
type Digest func(normalized string) string

// SHA256Digest returns the first 8 hex characters of the SHA-256 of s.
func SHA256Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:paths.CanonicalIDLen]
}

// Bindings persists identity bindings across invocations. store.Store
// implements it.
type Bindings interface {
	LookupIdentity(canonicalID string) (text, slug string, found bool, err error)
	LookupSlug(slug string) (canonicalID string, found bool, err error)
	BindIdentity(canonicalID, text, slug string) error
}

type binding struct {
	text string
	slug string
}

// Resolver assigns canonical ids. Bindings, once made, never change for the
// lifetime of the resolver (or of the persistent Bindings, when set).
type Resolver struct {
	digest  Digest
	persist Bindings

	mu     sync.Mutex
	byID   map[string]binding
	bySlug map[string]string
}

type Option func(*Resolver)

// WithDigest replaces the digest function.
func WithDigest(d Digest) Option {
	return func(r *Resolver) { r.digest = d }
}

// WithBindings makes the resolver consult and extend persistent bindings.
func WithBindings(b Bindings) Option {
	return func(r *Resolver) { r.persist = b }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		digest: SHA256Digest,
		byID:   map[string]binding{},
		bySlug: map[string]string{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Normalize canonicalizes instruction text so that incidental whitespace
// differences do not produce different ids.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\f\v")
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Resolve returns the canonical id for slug and its instruction, binding the
// pair on first sight.
func (r *Resolver) Resolve(slug, instruction string) (string, error) {
	if err := paths.ValidateSlug(slug); err != nil {
		return "", err
	}
	text := Normalize(instruction)
	if text == "" {
		return "", fmt.Errorf("%w: slug %q", ErrEmptyInstruction, slug)
	}
	id := r.digest(text)
	if !paths.IsCanonicalID(id) {
		return "", fmt.Errorf("digest produced malformed id %q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLocked(id, slug, text); err != nil {
		return "", err
	}
	if r.persist != nil {
		if err := r.checkPersisted(id, slug, text); err != nil {
			return "", err
		}
		if err := r.persist.BindIdentity(id, text, slug); err != nil {
			return "", fmt.Errorf("persist identity %s: %w", id, err)
		}
	}
	if _, ok := r.byID[id]; !ok {
		r.byID[id] = binding{text: text, slug: slug}
	}
	r.bySlug[slug] = id
	return id, nil
}

func (r *Resolver) checkLocked(id, slug, text string) error {
	if prev, ok := r.bySlug[slug]; ok && prev != id {
		return &ConflictError{CanonicalID: id, Slug: slug, Text: text, OtherID: prev, OtherSlug: slug, OtherText: r.byID[prev].text}
	}
	if b, ok := r.byID[id]; ok && b.text != text {
		return &ConflictError{CanonicalID: id, Slug: slug, Text: text, OtherSlug: b.slug, OtherText: b.text}
	}
	return nil
}

func (r *Resolver) checkPersisted(id, slug, text string) error {
	prev, found, err := r.persist.LookupSlug(slug)
	if err != nil {
		return fmt.Errorf("lookup slug %q: %w", slug, err)
	}
	if found && prev != id {
		prevText, _, _, err := r.persist.LookupIdentity(prev)
		if err != nil {
			return fmt.Errorf("lookup identity %s: %w", prev, err)
		}
		return &ConflictError{CanonicalID: id, Slug: slug, Text: text, OtherID: prev, OtherSlug: slug, OtherText: prevText}
	}
	boundText, boundSlug, found, err := r.persist.LookupIdentity(id)
	if err != nil {
		return fmt.Errorf("lookup identity %s: %w", id, err)
	}
	if found && boundText != text {
		return &ConflictError{CanonicalID: id, Slug: slug, Text: text, OtherSlug: boundSlug, OtherText: boundText}
	}
	return nil
}

// ResolveAll resolves every definition and returns slug -> canonical id. It
// stops at the first error.
func (r *Resolver) ResolveAll(defs Definitions) (map[string]string, error) {
	out := make(map[string]string, len(defs))
	for _, slug := range defs.Slugs() {
		id, err := r.Resolve(slug, defs[slug])
		if err != nil {
			return nil, err
		}
		out[slug] = id
	}
	return out, nil
}
