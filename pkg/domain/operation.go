package domain

import "time"

// OperationInput is the snapshot of what the user asked for. It is written once
// at start and only ever extended, never rewritten.
type OperationInput struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// OperationOutput accumulates results as the operation progresses.
type OperationOutput struct {
	Status     string   `json:"status,omitempty"`
	ContentIDs []string `json:"content_ids,omitempty"`
	Response   string   `json:"response,omitempty"`
}

// ApprovalMetadata is the typed sub-structure tracking the review sub-protocol.
type ApprovalMetadata struct {
	State          ApprovalState `json:"state,omitempty"`
	PendingItemIDs []string      `json:"pending_item_ids,omitempty"`
	TotalItems     int           `json:"total_items,omitempty"`
	ApprovedCount  int           `json:"approved_count,omitempty"`
	RejectedCount  int           `json:"rejected_count,omitempty"`
	LastAction     string        `json:"last_action,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// ScheduleMetadata is the typed sub-structure linking an operation to its schedule.
type ScheduleMetadata struct {
	ScheduleID     string        `json:"schedule_id,omitempty"`
	State          ScheduleState `json:"state,omitempty"`
	ScheduledItems int           `json:"scheduled_items,omitempty"`
	StartAt        *time.Time    `json:"start_at,omitempty"`
}

// OperationMetadata groups the typed sub-structures plus a free-form overflow
// map. The typed parts are replaced wholesale by their owning coordinator;
// Extra is merged key-by-key so the audit trail is preserved.
type OperationMetadata struct {
	Approval ApprovalMetadata `json:"approval,omitempty"`
	Schedule ScheduleMetadata `json:"schedule,omitempty"`
	Extra    map[string]any   `json:"extra,omitempty"`
}

// MergeExtra merges delta into the overflow map without dropping existing keys.
func (m *OperationMetadata) MergeExtra(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	if m.Extra == nil {
		m.Extra = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		m.Extra[k] = v
	}
}

// Operation is one user-triggered tool workflow instance. Exactly one
// non-terminal Operation may exist per session at a time.
type Operation struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	ToolKind  string `json:"tool_kind"`

	State State  `json:"state"`
	Step  string `json:"step,omitempty"`

	Input  OperationInput  `json:"input"`
	Output OperationOutput `json:"output"`

	RequiresApproval   bool `json:"requires_approval"`
	RequiresScheduling bool `json:"requires_scheduling"`
	ExpectedItemCount  int  `json:"expected_item_count"`

	Metadata  OperationMetadata `json:"metadata"`
	EndReason string            `json:"end_reason,omitempty"`

	History   []HistoryEntry `json:"history"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// NewOperation creates an Operation in StateCollecting with its history seeded.
func NewOperation(id, sessionID, toolKind string, input OperationInput, now time.Time) *Operation {
	op := &Operation{
		ID:        id,
		SessionID: sessionID,
		ToolKind:  toolKind,
		State:     StateCollecting,
		Step:      "initial",
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	op.History = appendHistory(nil, string(StateCollecting), "operation started", now)
	return op
}

// Transition moves the operation to a new state, validating the edge against
// the shared table and appending to the history log. A failed transition
// leaves the operation untouched.
func (o *Operation) Transition(to State, reason string, now time.Time) error {
	if err := CheckTransition(o.State, to); err != nil {
		return err
	}
	if o.State == to {
		return nil
	}
	o.State = to
	o.UpdatedAt = now
	o.History = appendHistory(o.History, string(to), reason, now)
	return nil
}

// Terminal reports whether the operation has reached a sink state.
func (o *Operation) Terminal() bool { return o.State.Terminal() }
