package api

import (
	"fmt"
	"time"
)

// Outcome is the result of a single episode.
type Outcome string

const (
	OutcomeSolved  Outcome = "solved"
	OutcomeFailed  Outcome = "failed"
	OutcomeErrored Outcome = "errored"
)

// FinalStatus is the per-task status reported when a pipeline terminates.
type FinalStatus string

const (
	StatusSolved               FinalStatus = "solved"
	StatusInsufficientEvidence FinalStatus = "insufficient-evidence-collected"
	StatusExhaustedUnsolved    FinalStatus = "exhausted-iterations-unsolved"
)

// ProducerKind names the episode producer that filled a run.
type ProducerKind string

const (
	ProducerRunner ProducerKind = "runner"
	ProducerReplay ProducerKind = "replay"
)

type Task struct {
	Slug        string `json:"slug"`
	Instruction string `json:"instruction,omitempty"`
	CanonicalID string `json:"canonical_id"`
}

type Episode struct {
	RunID         string  `json:"run_id"`
	CanonicalID   string  `json:"canonical_id"`
	Slug          string  `json:"slug"`
	Index         int     `json:"index"`
	Outcome       Outcome `json:"outcome"`
	Path          string  `json:"-"`
	TrajectoryLen int     `json:"trajectory_len"`
}

// Key identifies an episode across runs and merges.
func (e Episode) Key() string {
	return EpisodeName(e.RunID, e.Index)
}

// EpisodeName is the corpus directory name of an episode: <origin_run_id>-<episode_index>.
func EpisodeName(runID string, index int) string {
	return fmt.Sprintf("%s-%d", runID, index)
}

type Run struct {
	ID         string            `json:"id"`
	Model      string            `json:"model"`
	Dataset    string            `json:"dataset"`
	Round      int               `json:"round"`
	Producer   ProducerKind      `json:"producer"`
	Dir        string            `json:"-"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Scheduled  []string          `json:"scheduled"`
	Completed  []string          `json:"completed,omitempty"`
	Episodes   []Episode         `json:"episodes"`
	Failures   map[string]string `json:"failures,omitempty"`
}

// Batch is one round's request to an episode producer.
type Batch struct {
	RunID   string `json:"run_id"`
	Dir     string `json:"dir"`
	Model   string `json:"model"`
	Dataset string `json:"dataset"`
	Round   int    `json:"round"`
	Tasks   []Task `json:"tasks"`

	// Concurrency bounds the units in flight; zero leaves the producer's own bound.
	Concurrency int `json:"concurrency,omitempty"`

	// PriorRuns are earlier run roots of the pipeline in chronological order.
	PriorRuns []string `json:"prior_runs,omitempty"`
}

type RegistryEntry struct {
	CanonicalID  string    `json:"canonical_id"`
	EpisodeCount int       `json:"episode_count"`
	Solved       bool      `json:"solved"`
	Runs         []string  `json:"runs,omitempty"`
	Slugs        []string  `json:"slugs,omitempty"`
	Episodes     []Episode `json:"-"`
	UpdatedAt    string    `json:"updated_at,omitempty"`
}

type CorpusEpisode struct {
	Name          string  `json:"name"`
	RunID         string  `json:"run_id"`
	Index         int     `json:"index"`
	Slug          string  `json:"slug"`
	Outcome       Outcome `json:"outcome"`
	TrajectoryLen int     `json:"trajectory_len"`
}

type Corpus struct {
	MinEpisodes int                        `json:"min_episodes"`
	Tasks       map[string][]CorpusEpisode `json:"tasks"`
}

type TaskReport struct {
	CanonicalID  string      `json:"canonical_id"`
	Slug         string      `json:"slug"`
	Status       FinalStatus `json:"status"`
	EpisodeCount int         `json:"episode_count"`
}

type PipelineRecord struct {
	ID            string        `json:"id"`
	Model         string        `json:"model"`
	Dataset       string        `json:"dataset"`
	MinEpisodes   int           `json:"min_episodes"`
	MaxIterations int           `json:"max_iterations"`
	Status        string        `json:"status"`
	StartedAt     string        `json:"started_at"`
	FinishedAt    string        `json:"finished_at,omitempty"`
	Rounds        []RoundRecord `json:"rounds,omitempty"`
	Tasks         []TaskReport  `json:"tasks,omitempty"`
}

type RoundRecord struct {
	Round      int    `json:"round"`
	RunID      string `json:"run_id"`
	RunDir     string `json:"run_dir"`
	Scheduled  int    `json:"scheduled"`
	Produced   int    `json:"produced"`
	Failed     int    `json:"failed"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}
