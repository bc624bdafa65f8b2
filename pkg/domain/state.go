package domain

// State is the lifecycle state shared by Operations and Items.
// An Item's state always mirrors a subset of its Operation's states.
type State string

const (
	StateInactive   State = "inactive"
	StateCollecting State = "collecting"
	StateApproving  State = "approving"
	StateExecuting  State = "executing"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateError      State = "error"
)

// Terminal reports whether the state has no outgoing edges.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateError:
		return true
	}
	return false
}

// Status is the finer-grained progress marker carried by Items.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusScheduled Status = "scheduled"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
)

// ApprovalState tracks the human-review sub-protocol layered over StateApproving.
type ApprovalState string

const (
	ApprovalAwaitingInitial  ApprovalState = "awaiting_initial"
	ApprovalAwaitingApproval ApprovalState = "awaiting_approval"
	ApprovalRegenerating     ApprovalState = "regenerating"
	ApprovalFinished         ApprovalState = "approval_finished"
	ApprovalCancelled        ApprovalState = "approval_cancelled"
	ApprovalError            ApprovalState = "approval_error"
)

// ExecutionMode distinguishes how a scheduled Item is fired.
type ExecutionMode string

const (
	// ModeImmediate items execute as soon as they are approved.
	ModeImmediate ExecutionMode = "immediate"
	// ModeTimed items execute when their scheduled time arrives.
	ModeTimed ExecutionMode = "timed"
	// ModeMonitored items execute when an external condition is met
	// (e.g. a limit order filling at a target price).
	ModeMonitored ExecutionMode = "monitored"
)
