package orchestrator

import (
	"fmt"
	"sort"
)

// TaskState is the pipeline-level state of one canonical task.
type TaskState string

const (
	StateUnseen    TaskState = "unseen"
	StateScheduled TaskState = "scheduled"
	StateAttempted TaskState = "attempted"
	StateDone      TaskState = "done"
)

func isAllowedTransition(from, to TaskState) bool {
	switch from {
	case StateUnseen:
		return to == StateScheduled
	case StateScheduled:
		return to == StateAttempted
	case StateAttempted:
		return to == StateScheduled || to == StateDone
	default:
		return false
	}
}

// Tracker holds the state of every task of a pipeline. It is only touched
// by the orchestrator goroutine, between rounds.
type Tracker struct {
	states map[string]TaskState
}

func NewTracker(ids []string) *Tracker {
	t := &Tracker{states: make(map[string]TaskState, len(ids))}
	for _, id := range ids {
		t.states[id] = StateUnseen
	}
	return t
}

func (t *Tracker) State(id string) TaskState {
	return t.states[id]
}

// Transition moves id from one state to another, failing when the task is
// not in from or the move is not allowed.
func (t *Tracker) Transition(id string, from, to TaskState) error {
	cur, ok := t.states[id]
	if !ok {
		return fmt.Errorf("unknown task in state: %q", id)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", id, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", id, from, to)
	}
	t.states[id] = to
	return nil
}

// In returns the ids currently in state s, sorted.
func (t *Tracker) In(s TaskState) []string {
	var out []string
	for id, st := range t.states {
		if st == s {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
