package domain

import "time"

// ItemContent holds the generated payload. Version increments on regeneration
// rounds so replacement items are distinguishable from their predecessors.
type ItemContent struct {
	Raw       string `json:"raw"`
	Formatted string `json:"formatted,omitempty"`
	Version   int    `json:"version"`
}

// MonitorParams configures condition-based execution for ModeMonitored items.
type MonitorParams struct {
	CheckInterval   time.Duration `json:"check_interval"`
	ExpiresAt       time.Time     `json:"expires_at"`
	TargetValue     float64       `json:"target_value"`
	BestValueSeen   float64       `json:"best_value_seen"`
	LastCheckedAt   time.Time     `json:"last_checked_at"`
	LastCheckResult string        `json:"last_check_result,omitempty"`
}

// ItemParams carries tool-specific execution parameters.
type ItemParams struct {
	Mode    ExecutionMode  `json:"mode"`
	Monitor MonitorParams  `json:"monitor,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// Item is one unit of generated content belonging to an Operation.
// It becomes immutable once its State is terminal.
type Item struct {
	ID          string `json:"id"`
	OperationID string `json:"operation_id"`
	ScheduleID  string `json:"schedule_id,omitempty"`
	SessionID   string `json:"session_id"`
	ContentType string `json:"content_type"`

	Content ItemContent `json:"content"`
	Params  ItemParams  `json:"params"`

	State  State  `json:"state"`
	Status Status `json:"status"`

	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`

	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	ExecutedAt  *time.Time     `json:"executed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	History   []HistoryEntry `json:"history"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Transition moves the item to a new lifecycle state, enforcing the shared
// table. Status changes ride along via SetStatus so history captures both.
func (i *Item) Transition(to State, reason string, now time.Time) error {
	if err := CheckTransition(i.State, to); err != nil {
		return err
	}
	if i.State == to {
		return nil
	}
	i.State = to
	i.UpdatedAt = now
	i.History = appendHistory(i.History, string(to), reason, now)
	return nil
}

// SetStatus updates the fine-grained status and records it in the history log.
func (i *Item) SetStatus(status Status, reason string, now time.Time) {
	if i.Status == status {
		return
	}
	i.Status = status
	i.UpdatedAt = now
	i.History = appendHistory(i.History, string(status), reason, now)
}

// Terminal reports whether the item has reached a sink state.
func (i *Item) Terminal() bool { return i.State.Terminal() }
