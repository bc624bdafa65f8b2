package domain

import "fmt"

// validTransitions is the single source of truth for lifecycle edges.
// Any requested transition not listed here is rejected with ErrInvalidTransition.
var validTransitions = map[State][]State{
	StateInactive:   {StateCollecting, StateCancelled, StateError},
	StateCollecting: {StateApproving, StateExecuting, StateCancelled, StateError},
	// Approving may roll back to Collecting during regeneration, and Items
	// rejected during review jump straight to Completed.
	StateApproving: {StateExecuting, StateCollecting, StateCompleted, StateCancelled, StateError},
	StateExecuting: {StateCompleted, StateCancelled, StateError},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// Self-transitions are allowed as no-ops.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition (wrapped with both states)
// when the edge is not in the table.
func CheckTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
