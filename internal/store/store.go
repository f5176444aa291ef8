package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/throw-if-null/recoverybench/internal/api"

	_ "modernc.org/sqlite"
)

// Store persists the registry snapshot, task identity bindings and pipeline
// history. Run directories stay the source of truth; everything here is
// derived or audit data.
type Store struct {
	db *sql.DB
}

var ErrNotFound = errors.New("not found")

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if needed) the sqlite database at path and runs migrations.
func Open(path string) (*Store, *sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite db: %w", err)
	}
	s := New(db)
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init schema: %w", err)
	}
	return s, db, nil
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	stmts := []string{`
CREATE TABLE IF NOT EXISTS registry (
  canonical_id TEXT PRIMARY KEY,
  episode_count INTEGER NOT NULL,
  solved INTEGER NOT NULL,
  runs TEXT NOT NULL,
  slugs TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`, `
CREATE TABLE IF NOT EXISTS identities (
  canonical_id TEXT PRIMARY KEY,
  normalized_text TEXT NOT NULL,
  first_slug TEXT NOT NULL,
  created_at TEXT NOT NULL
);`, `
CREATE TABLE IF NOT EXISTS identity_slugs (
  slug TEXT PRIMARY KEY,
  canonical_id TEXT NOT NULL REFERENCES identities(canonical_id)
);`, `
CREATE TABLE IF NOT EXISTS pipelines (
  id TEXT PRIMARY KEY,
  model TEXT NOT NULL,
  dataset TEXT NOT NULL,
  min_episodes INTEGER NOT NULL,
  max_iterations INTEGER NOT NULL,
  status TEXT NOT NULL,
  started_at TEXT NOT NULL,
  finished_at TEXT
);`, `
CREATE TABLE IF NOT EXISTS rounds (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
  round INTEGER NOT NULL,
  run_id TEXT NOT NULL,
  run_dir TEXT NOT NULL,
  scheduled INTEGER NOT NULL,
  produced INTEGER NOT NULL,
  failed INTEGER NOT NULL,
  started_at TEXT NOT NULL,
  finished_at TEXT NOT NULL,
  UNIQUE (pipeline_id, round)
);`, `
CREATE TABLE IF NOT EXISTS task_outcomes (
  pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
  canonical_id TEXT NOT NULL,
  slug TEXT NOT NULL,
  status TEXT NOT NULL,
  episode_count INTEGER NOT NULL,
  PRIMARY KEY (pipeline_id, canonical_id)
);`,
		`PRAGMA user_version = 1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// withTx runs fn in a transaction, retrying the whole transaction on
// transient SQLITE_BUSY errors with exponential backoff.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lastErr = func() error {
			tx, err := s.db.Begin()
			if err != nil {
				return err
			}
			defer func() { _ = tx.Rollback() }()
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit()
		}()
		if lastErr == nil {
			return nil
		}
		if !isSqliteBusy(lastErr) {
			return lastErr
		}
		slog.Debug("sqlite busy, retrying", "attempt", i, "error", lastErr)
		time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
	}
	return lastErr
}

// isSqliteBusy reports whether err represents a busy/locked sqlite condition.
func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy") || strings.Contains(msg, "SQLITE_BUSY")
}

// SaveSnapshot replaces the registry snapshot with entries. Written once per
// round, after the round barrier.
func (s *Store) SaveSnapshot(entries []api.RegistryEntry) error {
	updatedAt := now()
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM registry`); err != nil {
			return err
		}
		for _, e := range entries {
			runs, err := json.Marshal(nonNil(e.Runs))
			if err != nil {
				return err
			}
			slugs, err := json.Marshal(nonNil(e.Slugs))
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO registry (canonical_id, episode_count, solved, runs, slugs, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
				e.CanonicalID, e.EpisodeCount, boolInt(e.Solved), string(runs), string(slugs), updatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetEntry(canonicalID string) (*api.RegistryEntry, error) {
	row := s.db.QueryRow(`SELECT canonical_id, episode_count, solved, runs, slugs, updated_at FROM registry WHERE canonical_id = ?`, canonicalID)
	e, err := scanEntry(row)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// ListEntries returns the registry snapshot ordered by canonical id.
func (s *Store) ListEntries() ([]*api.RegistryEntry, error) {
	rows, err := s.db.Query(`SELECT canonical_id, episode_count, solved, runs, slugs, updated_at FROM registry ORDER BY canonical_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.RegistryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*api.RegistryEntry, error) {
	var e api.RegistryEntry
	var solved int
	var runs, slugs string
	if err := row.Scan(&e.CanonicalID, &e.EpisodeCount, &solved, &runs, &slugs, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Solved = solved != 0
	if err := json.Unmarshal([]byte(runs), &e.Runs); err != nil {
		return nil, fmt.Errorf("decode runs for %s: %w", e.CanonicalID, err)
	}
	if err := json.Unmarshal([]byte(slugs), &e.Slugs); err != nil {
		return nil, fmt.Errorf("decode slugs for %s: %w", e.CanonicalID, err)
	}
	return &e, nil
}

// LookupIdentity returns the normalized text and first slug bound to canonicalID.
func (s *Store) LookupIdentity(canonicalID string) (string, string, bool, error) {
	var text, slug string
	err := s.db.QueryRow(`SELECT normalized_text, first_slug FROM identities WHERE canonical_id = ?`, canonicalID).Scan(&text, &slug)
	if err != nil {
		if isNotFound(err) {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	return text, slug, true, nil
}

// LookupSlug returns the canonical id a slug is bound to.
func (s *Store) LookupSlug(slug string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT canonical_id FROM identity_slugs WHERE slug = ?`, slug).Scan(&id)
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return id, true, nil
}

// BindIdentity records canonicalID -> text and slug -> canonicalID. Existing
// bindings are kept; callers check for conflicts before binding.
func (s *Store) BindIdentity(canonicalID, text, slug string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO identities (canonical_id, normalized_text, first_slug, created_at) VALUES (?, ?, ?, ?)`, canonicalID, text, slug, now()); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT OR IGNORE INTO identity_slugs (slug, canonical_id) VALUES (?, ?)`, slug, canonicalID)
		return err
	})
}

// CreatePipeline records the start of a pipeline invocation.
func (s *Store) CreatePipeline(p api.PipelineRecord) error {
	if p.StartedAt == "" {
		p.StartedAt = now()
	}
	if p.Status == "" {
		p.Status = "running"
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO pipelines (id, model, dataset, min_episodes, max_iterations, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Model, p.Dataset, p.MinEpisodes, p.MaxIterations, p.Status, p.StartedAt,
		)
		return err
	})
}

// RecordRound stores the bookkeeping of a completed round. Re-recording the
// same round replaces it.
func (s *Store) RecordRound(pipelineID string, r api.RoundRecord) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO rounds (pipeline_id, round, run_id, run_dir, scheduled, produced, failed, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pipelineID, r.Round, r.RunID, r.RunDir, r.Scheduled, r.Produced, r.Failed, r.StartedAt, r.FinishedAt,
		)
		return err
	})
}

// FinishPipeline marks a pipeline terminal and stores per-task final status.
func (s *Store) FinishPipeline(pipelineID, status string, tasks []api.TaskReport) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE pipelines SET status = ?, finished_at = ? WHERE id = ?`, status, now(), pipelineID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		for _, t := range tasks {
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO task_outcomes (pipeline_id, canonical_id, slug, status, episode_count) VALUES (?, ?, ?, ?, ?)`,
				pipelineID, t.CanonicalID, t.Slug, string(t.Status), t.EpisodeCount,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPipeline returns a pipeline with its rounds and task outcomes.
func (s *Store) GetPipeline(id string) (*api.PipelineRecord, error) {
	var p api.PipelineRecord
	var finished sql.NullString
	err := s.db.QueryRow(`SELECT id, model, dataset, min_episodes, max_iterations, status, started_at, finished_at FROM pipelines WHERE id = ?`, id).
		Scan(&p.ID, &p.Model, &p.Dataset, &p.MinEpisodes, &p.MaxIterations, &p.Status, &p.StartedAt, &finished)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if finished.Valid {
		p.FinishedAt = finished.String
	}

	rows, err := s.db.Query(`SELECT round, run_id, run_dir, scheduled, produced, failed, started_at, finished_at FROM rounds WHERE pipeline_id = ? ORDER BY round`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r api.RoundRecord
		if err := rows.Scan(&r.Round, &r.RunID, &r.RunDir, &r.Scheduled, &r.Produced, &r.Failed, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		p.Rounds = append(p.Rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trows, err := s.db.Query(`SELECT canonical_id, slug, status, episode_count FROM task_outcomes WHERE pipeline_id = ? ORDER BY canonical_id`, id)
	if err != nil {
		return nil, err
	}
	defer trows.Close()
	for trows.Next() {
		var t api.TaskReport
		var status string
		if err := trows.Scan(&t.CanonicalID, &t.Slug, &status, &t.EpisodeCount); err != nil {
			return nil, err
		}
		t.Status = api.FinalStatus(status)
		p.Tasks = append(p.Tasks, t)
	}
	return &p, trows.Err()
}

// ListPipelines returns pipelines newest first. If limit <= 0, return all.
func (s *Store) ListPipelines(limit int) ([]*api.PipelineRecord, error) {
	q := `SELECT id, model, dataset, min_episodes, max_iterations, status, started_at, COALESCE(finished_at, '') FROM pipelines ORDER BY started_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.PipelineRecord
	for rows.Next() {
		var p api.PipelineRecord
		if err := rows.Scan(&p.ID, &p.Model, &p.Dataset, &p.MinEpisodes, &p.MaxIterations, &p.Status, &p.StartedAt, &p.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
