package domain

import (
	"fmt"
	"time"
)

// ScheduleState is the lifecycle of an execution plan.
type ScheduleState string

const (
	SchedulePending    ScheduleState = "pending"
	ScheduleActivating ScheduleState = "activating"
	ScheduleActive     ScheduleState = "active"
	SchedulePaused     ScheduleState = "paused"
	ScheduleCompleted  ScheduleState = "completed"
	ScheduleCancelled  ScheduleState = "cancelled"
	ScheduleError      ScheduleState = "error"
)

// ScheduleAction triggers a schedule state transition.
type ScheduleAction string

const (
	ScheduleActionActivate  ScheduleAction = "activate"
	ScheduleActionActivated ScheduleAction = "activated"
	ScheduleActionPause     ScheduleAction = "pause"
	ScheduleActionResume    ScheduleAction = "resume"
	ScheduleActionCancel    ScheduleAction = "cancel"
	ScheduleActionComplete  ScheduleAction = "complete"
	ScheduleActionError     ScheduleAction = "error"
)

// scheduleTransitions maps (state, action) to the next state. Activation is a
// two-step gate: pending -> activating while items are stamped, activating ->
// active once every scheduled time is written.
var scheduleTransitions = map[ScheduleState]map[ScheduleAction]ScheduleState{
	SchedulePending: {
		ScheduleActionActivate: ScheduleActivating,
		ScheduleActionCancel:   ScheduleCancelled,
	},
	ScheduleActivating: {
		ScheduleActionActivated: ScheduleActive,
		ScheduleActionError:     ScheduleError,
	},
	ScheduleActive: {
		ScheduleActionPause:    SchedulePaused,
		ScheduleActionCancel:   ScheduleCancelled,
		ScheduleActionComplete: ScheduleCompleted,
	},
	SchedulePaused: {
		ScheduleActionResume: ScheduleActive,
		ScheduleActionCancel: ScheduleCancelled,
	},
	ScheduleError: {
		ScheduleActionActivate: ScheduleActivating,
	},
}

// NextScheduleState resolves the transition table for a (state, action) pair.
func NextScheduleState(from ScheduleState, action ScheduleAction) (ScheduleState, error) {
	if next, ok := scheduleTransitions[from][action]; ok {
		return next, nil
	}
	return "", fmt.Errorf("%w: schedule %s -> %s", ErrInvalidTransition, from, action)
}

// ScheduleKind selects how execution times are derived.
type ScheduleKind string

const (
	// KindImmediate executes approved items right away.
	KindImmediate ScheduleKind = "immediate"
	// KindOneTime executes all items at a single requested time.
	KindOneTime ScheduleKind = "one_time"
	// KindSpread divides a window into equally spaced slots.
	KindSpread ScheduleKind = "spread"
	// KindMonitored defers execution to the monitoring loop's condition checks.
	KindMonitored ScheduleKind = "monitored"
)

// SchedulePlan holds the timing parameters a tool's command analysis produced.
type SchedulePlan struct {
	Kind     ScheduleKind  `json:"kind" mapstructure:"kind"`
	StartAt  *time.Time    `json:"start_at,omitempty" mapstructure:"start_at"`
	Interval time.Duration `json:"interval,omitempty" mapstructure:"interval"`
	Window   time.Duration `json:"window,omitempty" mapstructure:"window"`

	// Monitored-condition parameters; ignored for time-based kinds.
	TargetValue   float64       `json:"target_value,omitempty" mapstructure:"target_value"`
	CheckInterval time.Duration `json:"check_interval,omitempty" mapstructure:"check_interval"`
	ExpiresAfter  time.Duration `json:"expires_after,omitempty" mapstructure:"expires_after"`
}

// Schedule is the execution plan for an Operation's items. A Schedule is
// activated at most once; after activation item scheduled-times are immutable.
type Schedule struct {
	ID          string `json:"id"`
	OperationID string `json:"operation_id"`

	State ScheduleState `json:"state"`
	Plan  SchedulePlan  `json:"plan"`

	PendingItemIDs  []string `json:"pending_item_ids,omitempty"`
	ApprovedItemIDs []string `json:"approved_item_ids,omitempty"`
	RejectedItemIDs []string `json:"rejected_item_ids,omitempty"`

	History     []HistoryEntry `json:"history"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// NewSchedule creates a Schedule in SchedulePending with history seeded.
func NewSchedule(id, operationID string, plan SchedulePlan, now time.Time) *Schedule {
	s := &Schedule{
		ID:          id,
		OperationID: operationID,
		State:       SchedulePending,
		Plan:        plan,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.History = appendHistory(nil, string(SchedulePending), "schedule created", now)
	return s
}

// Apply performs a table-validated transition and appends to the history log.
func (s *Schedule) Apply(action ScheduleAction, reason string, now time.Time) error {
	next, err := NextScheduleState(s.State, action)
	if err != nil {
		return err
	}
	s.State = next
	s.UpdatedAt = now
	s.History = appendHistory(s.History, string(next), reason, now)
	return nil
}

// Terminal reports whether the schedule is closed.
func (s *Schedule) Terminal() bool {
	switch s.State {
	case ScheduleCompleted, ScheduleCancelled, ScheduleError:
		return true
	}
	return false
}
