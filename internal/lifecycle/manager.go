// Package lifecycle implements the operation state manager: the single writer
// of Operation documents and the bulk transition helpers the coordinators
// build on. All state changes flow through the shared transition table; the
// manager adds persistence, event publication, and aggregate derivation.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amberflow/stagehand/internal/logging"
	"github.com/amberflow/stagehand/internal/metrics"
	"github.com/amberflow/stagehand/pkg/bus"
	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
)

// Manager owns Operation and Item lifecycle writes.
type Manager struct {
	store   ports.Store
	logger  *slog.Logger
	pub     bus.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(pub bus.Publisher) Option {
	return func(m *Manager) {
		if pub != nil {
			m.pub = pub
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) {
		if mx != nil {
			m.metrics = mx
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDFunc overrides id generation, for tests.
func WithIDFunc(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewManager creates a Manager over the given store.
func NewManager(store ports.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		logger:  logging.NewNop(),
		pub:     bus.Nop(),
		metrics: metrics.Nop(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartRequest describes a new operation.
type StartRequest struct {
	SessionID string
	ToolKind  string
	Command   string
	Params    map[string]any

	RequiresApproval   bool
	RequiresScheduling bool
	ExpectedItemCount  int
}

// StartOperation creates and persists a new operation in StateCollecting.
// The store enforces the one-active-operation-per-session invariant, so a
// concurrent duplicate start loses with domain.ErrActiveOperationExists.
func (m *Manager) StartOperation(ctx context.Context, req StartRequest) (*domain.Operation, error) {
	now := m.now()
	op := domain.NewOperation(m.newID(), req.SessionID, req.ToolKind, domain.OperationInput{
		Command: req.Command,
		Params:  req.Params,
	}, now)
	op.RequiresApproval = req.RequiresApproval
	op.RequiresScheduling = req.RequiresScheduling
	op.ExpectedItemCount = req.ExpectedItemCount

	if err := m.store.Operations().Insert(ctx, op); err != nil {
		return nil, fmt.Errorf("start operation: %w", err)
	}

	m.metrics.OperationsStarted.Inc()
	m.logger.Info("operation started",
		"operation_id", op.ID,
		"session_id", op.SessionID,
		"tool_kind", op.ToolKind)
	m.publish(ctx, bus.Event{
		Type:        bus.EventOperationStarted,
		SessionID:   op.SessionID,
		OperationID: op.ID,
		State:       string(op.State),
	})
	return op, nil
}

// Update describes a partial operation mutation. Nil / zero fields are left
// untouched; Metadata extras merge key-by-key rather than replacing the map.
type Update struct {
	// SessionID, when set, must match the operation's owning session; a
	// mismatch fails with ErrOperationNotFound as if the id did not exist.
	SessionID string

	State  *domain.State
	Reason string
	Step   string

	Output   *domain.OperationOutput
	Approval *domain.ApprovalMetadata
	Schedule *domain.ScheduleMetadata
	Extra    map[string]any
}

// UpdateOperation loads, mutates and replaces the operation. State changes
// are validated against the transition table before anything is written, so
// an invalid edge leaves the stored document untouched.
func (m *Manager) UpdateOperation(ctx context.Context, id string, up Update) (*domain.Operation, error) {
	op, err := m.store.Operations().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if up.SessionID != "" && up.SessionID != op.SessionID {
		return nil, fmt.Errorf("update operation %s: %w", id, domain.ErrOperationNotFound)
	}
	now := m.now()

	if up.State != nil {
		if err := op.Transition(*up.State, up.Reason, now); err != nil {
			return nil, fmt.Errorf("update operation %s: %w", id, err)
		}
	}
	if up.Step != "" {
		op.Step = up.Step
	}
	if up.Output != nil {
		op.Output = *up.Output
	}
	if up.Approval != nil {
		op.Metadata.Approval = *up.Approval
	}
	if up.Schedule != nil {
		op.Metadata.Schedule = *up.Schedule
	}
	op.Metadata.MergeExtra(up.Extra)
	op.UpdatedAt = now

	if err := m.store.Operations().Update(ctx, op); err != nil {
		return nil, fmt.Errorf("update operation %s: %w", id, err)
	}
	m.publish(ctx, bus.Event{
		Type:        bus.EventOperationUpdated,
		SessionID:   op.SessionID,
		OperationID: op.ID,
		State:       string(op.State),
		Reason:      up.Reason,
	})
	return op, nil
}

// EndOperation drives the operation to a terminal state and stamps its
// non-terminal items with a final status. Immediate-mode items that made it
// to the end count as executed; items the operation leaves behind for a
// schedule stay scheduled and keep running after the operation closes.
func (m *Manager) EndOperation(ctx context.Context, id string, final domain.State, reason string) (*domain.Operation, error) {
	if !final.Terminal() {
		return nil, fmt.Errorf("end operation %s: %q is not terminal", id, final)
	}
	op, err := m.store.Operations().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if err := op.Transition(final, reason, now); err != nil {
		return nil, fmt.Errorf("end operation %s: %w", id, err)
	}
	op.EndReason = reason
	op.EndedAt = &now

	if err := m.closeItems(ctx, op, final, reason, now); err != nil {
		return nil, err
	}
	if err := m.store.Operations().Update(ctx, op); err != nil {
		return nil, fmt.Errorf("end operation %s: %w", id, err)
	}

	m.metrics.OperationsEnded.WithLabelValues(string(final)).Inc()
	m.logger.Info("operation ended",
		"operation_id", op.ID,
		"state", op.State,
		"reason", reason)
	m.publish(ctx, bus.Event{
		Type:        bus.EventOperationEnded,
		SessionID:   op.SessionID,
		OperationID: op.ID,
		State:       string(op.State),
		Reason:      reason,
	})
	return op, nil
}

// closeItems finalizes the operation's non-terminal items. Scheduled and
// monitored work survives a completed operation; everything else follows the
// operation into its terminal state.
func (m *Manager) closeItems(ctx context.Context, op *domain.Operation, final domain.State, reason string, now time.Time) error {
	items, err := m.store.Items().List(ctx, ports.ItemFilter{OperationID: op.ID})
	if err != nil {
		return fmt.Errorf("end operation %s: list items: %w", op.ID, err)
	}
	for _, item := range items {
		if item.Terminal() {
			continue
		}
		if final == domain.StateCompleted && item.Status == domain.StatusScheduled {
			// Outlives the operation; the schedule executor owns it now.
			continue
		}
		if err := item.Transition(final, reason, now); err != nil {
			return fmt.Errorf("end operation %s: item %s: %w", op.ID, item.ID, err)
		}
		// Items that already carry a final status keep it; the rest inherit
		// one from how the operation closed.
		switch item.Status {
		case domain.StatusExecuted, domain.StatusFailed, domain.StatusRejected:
		default:
			status := domain.StatusFailed
			switch final {
			case domain.StateCompleted:
				status = domain.StatusExecuted
			case domain.StateCancelled:
				status = domain.StatusRejected
			}
			item.SetStatus(status, reason, now)
		}
		if err := m.store.Items().Update(ctx, item); err != nil {
			return fmt.Errorf("end operation %s: item %s: %w", op.ID, item.ID, err)
		}
	}
	return nil
}

// CreateItems persists one item per draft under the operation. Items may only
// be created while the operation is collecting or approving.
func (m *Manager) CreateItems(ctx context.Context, op *domain.Operation, contentType string, drafts []domain.ItemDraft, mode domain.ExecutionMode) ([]*domain.Item, error) {
	return m.createItems(ctx, op, contentType, drafts, mode, 1)
}

// CreateRegenerationItems persists replacement items with a bumped content
// version. version is the round number of the new content (first
// regeneration produces version 2).
func (m *Manager) CreateRegenerationItems(ctx context.Context, op *domain.Operation, contentType string, drafts []domain.ItemDraft, mode domain.ExecutionMode, version int) ([]*domain.Item, error) {
	if version < 2 {
		version = 2
	}
	return m.createItems(ctx, op, contentType, drafts, mode, version)
}

func (m *Manager) createItems(ctx context.Context, op *domain.Operation, contentType string, drafts []domain.ItemDraft, mode domain.ExecutionMode, version int) ([]*domain.Item, error) {
	if op.State != domain.StateCollecting && op.State != domain.StateApproving {
		return nil, fmt.Errorf("create items: operation %s is %s: %w",
			op.ID, op.State, domain.ErrInvalidTransition)
	}
	if len(drafts) == 0 {
		return nil, nil
	}
	now := m.now()
	items := make([]*domain.Item, 0, len(drafts))
	for _, d := range drafts {
		item := &domain.Item{
			ID:          m.newID(),
			OperationID: op.ID,
			SessionID:   op.SessionID,
			ContentType: contentType,
			Content: domain.ItemContent{
				Raw:       d.Raw,
				Formatted: d.Formatted,
				Version:   version,
			},
			Params: domain.ItemParams{
				Mode:  mode,
				Extra: d.Params,
			},
			State:     op.State,
			Status:    domain.StatusPending,
			Metadata:  d.Metadata,
			CreatedAt: now,
			UpdatedAt: now,
		}
		item.History = append(item.History, domain.HistoryEntry{
			State:     string(domain.StatusPending),
			Reason:    "item created",
			Timestamp: now,
		})
		items = append(items, item)
	}
	if err := m.store.Items().InsertMany(ctx, items); err != nil {
		return nil, fmt.Errorf("create items: %w", err)
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	op.Output.ContentIDs = append(op.Output.ContentIDs, ids...)
	op.UpdatedAt = now
	if err := m.store.Operations().Update(ctx, op); err != nil {
		return nil, fmt.Errorf("create items: %w", err)
	}

	m.metrics.ItemsCreated.Add(float64(len(items)))
	m.logger.Info("items created",
		"operation_id", op.ID,
		"count", len(items),
		"version", version)
	m.publish(ctx, bus.Event{
		Type:        bus.EventItemsCreated,
		SessionID:   op.SessionID,
		OperationID: op.ID,
		Reason:      fmt.Sprintf("%d items", len(items)),
	})
	return items, nil
}

// TransitionItems moves each listed item to the given state and status,
// skipping items that are already terminal. Used by the coordinators for
// bulk moves like collecting -> approving.
func (m *Manager) TransitionItems(ctx context.Context, ids []string, to domain.State, status domain.Status, reason string) error {
	now := m.now()
	for _, id := range ids {
		item, err := m.store.Items().Get(ctx, id)
		if err != nil {
			return err
		}
		if item.Terminal() {
			continue
		}
		if err := item.Transition(to, reason, now); err != nil {
			return fmt.Errorf("transition item %s: %w", id, err)
		}
		if status != "" {
			item.SetStatus(status, reason, now)
		}
		if err := m.store.Items().Update(ctx, item); err != nil {
			return fmt.Errorf("transition item %s: %w", id, err)
		}
		m.publish(ctx, bus.Event{
			Type:        bus.EventItemUpdated,
			SessionID:   item.SessionID,
			OperationID: item.OperationID,
			ItemID:      item.ID,
			State:       string(item.State),
			Status:      string(item.Status),
			Reason:      reason,
		})
	}
	return nil
}

// itemTally counts an operation's items by status.
type itemTally struct {
	total     int
	pending   int
	approved  int
	rejected  int
	scheduled int
	executing int
	executed  int
	failed    int
}

func tallyItems(items []*domain.Item) itemTally {
	var t itemTally
	t.total = len(items)
	for _, item := range items {
		switch item.Status {
		case domain.StatusPending:
			t.pending++
		case domain.StatusApproved:
			t.approved++
		case domain.StatusRejected:
			t.rejected++
		case domain.StatusScheduled:
			t.scheduled++
		case domain.StatusExecuting:
			t.executing++
		case domain.StatusExecuted:
			t.executed++
		case domain.StatusFailed:
			t.failed++
		}
	}
	return t
}

// derivedState maps the aggregate onto an operation state: every item past
// review and scheduled or in flight means the operation is executing; every
// item done with at least one executed means it completed. While a review
// round is open (pending or approved items remain) nothing is derived, and
// failures are left to the finalize paths that recorded them.
func (t itemTally) derivedState() (domain.State, bool) {
	if t.total == 0 || t.pending > 0 || t.approved > 0 {
		return "", false
	}
	if t.scheduled+t.executing > 0 {
		return domain.StateExecuting, true
	}
	if t.executed > 0 && t.failed == 0 {
		return domain.StateCompleted, true
	}
	return "", false
}

// RefreshOperationState re-derives an operation's aggregate fields from its
// items: the approval counters, and the lifecycle state itself when the items
// collectively imply one (all scheduled -> executing, all executed ->
// completed). Derived transitions go through the shared table like any other.
// It is idempotent: calling it twice in a row is a no-op the second time.
// Terminal operations are returned unchanged.
func (m *Manager) RefreshOperationState(ctx context.Context, id string) (*domain.Operation, error) {
	op, err := m.store.Operations().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Terminal() {
		return op, nil
	}
	items, err := m.store.Items().List(ctx, ports.ItemFilter{OperationID: id})
	if err != nil {
		return nil, fmt.Errorf("refresh operation %s: %w", id, err)
	}

	tally := tallyItems(items)
	now := m.now()
	changed := false
	if op.Metadata.Approval.ApprovedCount != tally.approved {
		op.Metadata.Approval.ApprovedCount = tally.approved
		changed = true
	}
	if op.Metadata.Approval.RejectedCount != tally.rejected {
		op.Metadata.Approval.RejectedCount = tally.rejected
		changed = true
	}
	if op.Metadata.Approval.TotalItems != tally.total {
		op.Metadata.Approval.TotalItems = tally.total
		changed = true
	}

	stateChanged := false
	if next, ok := tally.derivedState(); ok && next != op.State && domain.CanTransition(op.State, next) {
		if err := op.Transition(next, "derived from item states", now); err != nil {
			return nil, fmt.Errorf("refresh operation %s: %w", id, err)
		}
		if next.Terminal() {
			op.EndReason = "all items executed"
			op.EndedAt = &now
		}
		changed = true
		stateChanged = true
	}

	if !changed {
		return op, nil
	}
	op.UpdatedAt = now
	if err := m.store.Operations().Update(ctx, op); err != nil {
		return nil, fmt.Errorf("refresh operation %s: %w", id, err)
	}
	m.logger.Debug("operation state refreshed",
		"operation_id", id,
		"state", op.State,
		"approved", tally.approved,
		"rejected", tally.rejected,
		"pending", tally.pending)
	if stateChanged {
		m.publish(ctx, bus.Event{
			Type:        bus.EventOperationUpdated,
			SessionID:   op.SessionID,
			OperationID: op.ID,
			State:       string(op.State),
			Reason:      "derived from item states",
		})
	}
	return op, nil
}

// Get retrieves an operation by id.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Operation, error) {
	return m.store.Operations().Get(ctx, id)
}

// Active returns the session's single non-terminal operation.
func (m *Manager) Active(ctx context.Context, sessionID string) (*domain.Operation, error) {
	return m.store.Operations().ActiveBySession(ctx, sessionID)
}

// Items lists the operation's items in creation order.
func (m *Manager) Items(ctx context.Context, operationID string) ([]*domain.Item, error) {
	return m.store.Items().List(ctx, ports.ItemFilter{OperationID: operationID})
}

// Store exposes the underlying store to sibling coordinators.
func (m *Manager) Store() ports.Store { return m.store }

// Now exposes the manager's clock so coordinators share one time source.
func (m *Manager) Now() time.Time { return m.now() }

// NewID exposes the manager's id generator.
func (m *Manager) NewID() string { return m.newID() }

func (m *Manager) publish(ctx context.Context, ev bus.Event) {
	ev.At = m.now()
	if err := m.pub.Publish(ctx, ev); err != nil {
		m.logger.Warn("event publish failed", "type", ev.Type, "err", err)
	}
}
