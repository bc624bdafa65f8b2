package ports

import (
	"context"
	"time"

	"github.com/amberflow/stagehand/pkg/domain"
)

// ItemFilter narrows item queries. Zero-valued fields are ignored.
type ItemFilter struct {
	OperationID string
	States      []domain.State
	Statuses    []domain.Status
	Mode        domain.ExecutionMode
	DueBefore   *time.Time // matches items with ScheduledAt <= DueBefore
}

// OperationStore persists Operations. Implementations must treat every write
// as an atomic single-document replace.
type OperationStore interface {
	// Insert persists a new operation. It fails with
	// domain.ErrActiveOperationExists when a non-terminal operation already
	// exists for the same session.
	Insert(ctx context.Context, op *domain.Operation) error

	// Get retrieves an operation by id, or domain.ErrOperationNotFound.
	Get(ctx context.Context, id string) (*domain.Operation, error)

	// ActiveBySession returns the session's single non-terminal operation,
	// or domain.ErrOperationNotFound when every operation is terminal.
	ActiveBySession(ctx context.Context, sessionID string) (*domain.Operation, error)

	// Update replaces the stored document. Fails with
	// domain.ErrOperationNotFound for unknown ids.
	Update(ctx context.Context, op *domain.Operation) error
}

// ItemStore persists Items. UpdateIf is the sole cross-task coordination
// primitive: the condition-check -> execute -> status-write sequence in the
// monitoring loop relies on it for its exactly-once guarantee.
type ItemStore interface {
	// InsertMany bulk-inserts items.
	InsertMany(ctx context.Context, items []*domain.Item) error

	// Get retrieves an item by id, or domain.ErrItemNotFound.
	Get(ctx context.Context, id string) (*domain.Item, error)

	// List returns items matching the filter, ordered by creation time.
	List(ctx context.Context, filter ItemFilter) ([]*domain.Item, error)

	// Update replaces the stored document. Fails with domain.ErrItemNotFound
	// for unknown ids.
	Update(ctx context.Context, item *domain.Item) error

	// UpdateIf atomically applies the mutation only when the stored item's
	// status still equals expect. Returns false (and no error) when the
	// guard fails, so racing writers lose cleanly.
	UpdateIf(ctx context.Context, id string, expect domain.Status, apply func(*domain.Item) error) (bool, error)
}

// ScheduleStore persists Schedules with the same conditional-write discipline.
type ScheduleStore interface {
	Insert(ctx context.Context, s *domain.Schedule) error
	Get(ctx context.Context, id string) (*domain.Schedule, error)

	// ByOperation returns the operation's schedule, or domain.ErrScheduleNotFound.
	ByOperation(ctx context.Context, operationID string) (*domain.Schedule, error)

	Update(ctx context.Context, s *domain.Schedule) error

	// UpdateIf atomically applies the mutation only when the stored schedule
	// is still in the expected state. This makes activation an exactly-once gate.
	UpdateIf(ctx context.Context, id string, expect domain.ScheduleState, apply func(*domain.Schedule) error) (bool, error)
}

// Store bundles the three collections backed by one document database.
type Store interface {
	Operations() OperationStore
	Items() ItemStore
	Schedules() ScheduleStore
}
