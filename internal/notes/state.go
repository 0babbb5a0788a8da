package notes

import (
	"fmt"
	"slices"
)

// TransitionGuard is the outcome of evaluating a requested lifecycle edge.
type TransitionGuard struct {
	Allowed bool
	Reason  string
}

// Closing is reachable from both new and open; new is only re-entered by reopening.
var allowedTransitions = map[State][]State{
	StateNew:    {StateOpen, StateClosed},
	StateOpen:   {StateClosed},
	StateClosed: {StateNew},
}

// CanTransition evaluates whether the lifecycle edge from -> to exists.
func CanTransition(from, to State) TransitionGuard {
	targets, known := allowedTransitions[from]
	if !known {
		return TransitionGuard{Reason: fmt.Sprintf("unknown source state %q", from)}
	}
	if !slices.Contains(targets, to) {
		return TransitionGuard{Reason: fmt.Sprintf("no transition from %s to %s", from, to)}
	}
	return TransitionGuard{Allowed: true}
}

// countsAgainstQuota reports whether the note occupies one of its owner's private slots.
func countsAgainstQuota(note Note, releaseOnClose bool) bool {
	if !note.IsPrivate() || note.OwnerID == "" {
		return false
	}
	if releaseOnClose && note.State == StateClosed {
		return false
	}
	return true
}
