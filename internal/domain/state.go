package domain

import "strings"

// State is the canonical, provider-agnostic job state. Provider vocabulary
// is folded into this closed set by NormalizeState; the rest of the system
// never sees raw provider strings.
type State string

const (
	StateCreateStart     State = "create_start"
	StateTaskCreated     State = "task_created"
	StateQueued          State = "queued"
	StateWaiting         State = "waiting"
	StateSuccess         State = "success"
	StateResultValidated State = "result_validated"
	StateTGDeliver       State = "tg_deliver"

	StateFailed   State = "failed"
	StateCanceled State = "canceled"
	StateTimeout  State = "timeout"
)

// stateRank orders the progress states. Terminal states carry no rank; a
// job leaves the ladder through an explicit terminal transition.
var stateRank = map[State]int{
	StateCreateStart:     0,
	StateTaskCreated:     1,
	StateQueued:          2,
	StateWaiting:         3,
	StateSuccess:         4,
	StateResultValidated: 5,
	StateTGDeliver:       6,
}

// Terminal reports whether the state ends the job's lifecycle. tg_deliver
// is the terminal success: the result reached the chat.
func (s State) Terminal() bool {
	switch s {
	case StateTGDeliver, StateFailed, StateCanceled, StateTimeout:
		return true
	}
	return false
}

// AheadOf reports whether s is strictly further along the progress ladder
// than other. Terminal states are never "ahead"; they are compared by the
// explicit transition rules, not by rank.
func (s State) AheadOf(other State) bool {
	sr, ok := stateRank[s]
	if !ok {
		return false
	}
	or, ok := stateRank[other]
	if !ok {
		return false
	}
	return sr > or
}

// NormalizeState maps an arbitrary provider status string onto the canonical
// set. The function is total: every input produces a canonical state, and an
// unrecognized token maps to waiting so unknown vocabulary can only delay a
// job, never terminate it. canceled and timeout are reserved for the internal
// cancel path and the hard age cap; provider cancellation vocabulary is
// treated as failed (the user is notified and offered a retry either way).
func NormalizeState(raw string) State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "create_start":
		return StateCreateStart
	case "task_created", "created":
		return StateTaskCreated
	case "queued", "queue", "pending", "accepted", "submitted":
		return StateQueued
	case "waiting", "processing", "running", "generating", "in_progress", "in-progress":
		return StateWaiting
	case "success", "completed", "complete", "succeeded", "done", "finished":
		return StateSuccess
	case "result_validated":
		return StateResultValidated
	case "tg_deliver", "delivered":
		return StateTGDeliver
	case "failed", "fail", "failure", "error", "errored", "canceled", "cancelled", "cancel":
		return StateFailed
	default:
		return StateWaiting
	}
}
