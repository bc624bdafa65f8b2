package ports

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amberflow/stagehand/pkg/domain"
)

// RunStoreContract verifies that a Store implementation honors the document
// store semantics the engine depends on: single-active-operation-per-session,
// not-found sentinels, and compare-and-set conditional writes.
func RunStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("OperationInsertAndGet", func(t *testing.T) {
		op := domain.NewOperation("op-1", "sess-1", "tweet", domain.OperationInput{Command: "schedule 3 tweets"}, now)
		require.NoError(t, store.Operations().Insert(ctx, op))

		got, err := store.Operations().Get(ctx, "op-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StateCollecting, got.State)
		assert.Equal(t, "sess-1", got.SessionID)
		assert.Len(t, got.History, 1)
	})

	t.Run("SingleActiveOperationPerSession", func(t *testing.T) {
		dup := domain.NewOperation("op-dup", "sess-1", "tweet", domain.OperationInput{}, now)
		err := store.Operations().Insert(ctx, dup)
		assert.ErrorIs(t, err, domain.ErrActiveOperationExists)

		active, err := store.Operations().ActiveBySession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "op-1", active.ID)
	})

	t.Run("OperationNotFound", func(t *testing.T) {
		_, err := store.Operations().Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrOperationNotFound)

		_, err = store.Operations().ActiveBySession(ctx, "no-such-session")
		assert.ErrorIs(t, err, domain.ErrOperationNotFound)
	})

	t.Run("TerminalOperationFreesSession", func(t *testing.T) {
		op, err := store.Operations().Get(ctx, "op-1")
		require.NoError(t, err)
		require.NoError(t, op.Transition(domain.StateCancelled, "contract test", now))
		require.NoError(t, store.Operations().Update(ctx, op))

		next := domain.NewOperation("op-2", "sess-1", "tweet", domain.OperationInput{}, now)
		require.NoError(t, store.Operations().Insert(ctx, next))
	})

	t.Run("ItemsBulkInsertAndFilter", func(t *testing.T) {
		items := []*domain.Item{
			newContractItem("item-1", "op-2", domain.StateCollecting, domain.StatusPending, now),
			newContractItem("item-2", "op-2", domain.StateCollecting, domain.StatusPending, now.Add(time.Millisecond)),
			newContractItem("item-3", "op-2", domain.StateExecuting, domain.StatusScheduled, now.Add(2*time.Millisecond)),
		}
		require.NoError(t, store.Items().InsertMany(ctx, items))

		all, err := store.Items().List(ctx, ItemFilter{OperationID: "op-2"})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "item-1", all[0].ID, "items should be ordered by creation time")

		scheduled, err := store.Items().List(ctx, ItemFilter{
			OperationID: "op-2",
			Statuses:    []domain.Status{domain.StatusScheduled},
		})
		require.NoError(t, err)
		require.Len(t, scheduled, 1)
		assert.Equal(t, "item-3", scheduled[0].ID)
	})

	t.Run("ItemNotFound", func(t *testing.T) {
		_, err := store.Items().Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrItemNotFound)
	})

	t.Run("ItemUpdateIfGuard", func(t *testing.T) {
		ok, err := store.Items().UpdateIf(ctx, "item-3", domain.StatusScheduled, func(i *domain.Item) error {
			i.Status = domain.StatusExecuting
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ok, "guard should pass on matching status")

		// Second claim with the stale expectation must lose.
		ok, err = store.Items().UpdateIf(ctx, "item-3", domain.StatusScheduled, func(i *domain.Item) error {
			i.Status = domain.StatusExecuting
			return nil
		})
		require.NoError(t, err)
		assert.False(t, ok, "stale guard must fail without error")

		got, err := store.Items().Get(ctx, "item-3")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusExecuting, got.Status)
	})

	t.Run("ItemUpdateIfConcurrentClaim", func(t *testing.T) {
		item := newContractItem("item-race", "op-2", domain.StateExecuting, domain.StatusScheduled, now)
		require.NoError(t, store.Items().InsertMany(ctx, []*domain.Item{item}))

		const workers = 8
		var wins int32
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.Items().UpdateIf(ctx, "item-race", domain.StatusScheduled, func(it *domain.Item) error {
					it.Status = domain.StatusExecuted
					return nil
				})
				if err == nil && ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins, "exactly one claimant may win the CAS")
	})

	t.Run("ScheduleLifecycle", func(t *testing.T) {
		sched := domain.NewSchedule("sched-1", "op-2", domain.SchedulePlan{Kind: domain.KindSpread, Interval: time.Hour}, now)
		require.NoError(t, store.Schedules().Insert(ctx, sched))

		got, err := store.Schedules().ByOperation(ctx, "op-2")
		require.NoError(t, err)
		assert.Equal(t, "sched-1", got.ID)
		assert.Equal(t, domain.SchedulePending, got.State)

		_, err = store.Schedules().ByOperation(ctx, "no-op")
		assert.ErrorIs(t, err, domain.ErrScheduleNotFound)

		ok, err := store.Schedules().UpdateIf(ctx, "sched-1", domain.SchedulePending, func(s *domain.Schedule) error {
			return s.Apply(domain.ScheduleActionActivate, "contract test", now)
		})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Schedules().UpdateIf(ctx, "sched-1", domain.SchedulePending, func(s *domain.Schedule) error {
			return s.Apply(domain.ScheduleActionActivate, "contract test", now)
		})
		require.NoError(t, err)
		assert.False(t, ok, "activation gate must be one-way")
	})

	t.Run("StoredDocumentsAreIsolated", func(t *testing.T) {
		got, err := store.Items().Get(ctx, "item-1")
		require.NoError(t, err)
		got.Content.Raw = "mutated by caller"

		again, err := store.Items().Get(ctx, "item-1")
		require.NoError(t, err)
		assert.NotEqual(t, "mutated by caller", again.Content.Raw, "reads must return isolated copies")
	})
}

func newContractItem(id, opID string, state domain.State, status domain.Status, at time.Time) *domain.Item {
	return &domain.Item{
		ID:          id,
		OperationID: opID,
		SessionID:   "sess-1",
		ContentType: "tweet",
		Content:     domain.ItemContent{Raw: "draft " + id, Version: 1},
		Params:      domain.ItemParams{Mode: domain.ModeTimed},
		State:       state,
		Status:      status,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}
