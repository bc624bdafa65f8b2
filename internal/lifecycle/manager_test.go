package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amberflow/stagehand/pkg/adapters/memory"
	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
)

func newTestManager(t *testing.T) (*Manager, ports.Store) {
	t.Helper()
	store := memory.New()
	var seq int
	mgr := NewManager(store,
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
		WithIDFunc(func() string { seq++; return fmt.Sprintf("id-%d", seq) }),
	)
	return mgr, store
}

func startOp(t *testing.T, mgr *Manager, session string) *domain.Operation {
	t.Helper()
	op, err := mgr.StartOperation(context.Background(), StartRequest{
		SessionID:        session,
		ToolKind:         "notes",
		Command:          "draft three notes",
		RequiresApproval: true,
	})
	require.NoError(t, err)
	return op
}

func TestStartOperation(t *testing.T) {
	mgr, _ := newTestManager(t)
	op := startOp(t, mgr, "sess-1")

	assert.Equal(t, domain.StateCollecting, op.State)
	assert.Equal(t, "draft three notes", op.Input.Command)
	assert.Len(t, op.History, 1)

	_, err := mgr.StartOperation(context.Background(), StartRequest{
		SessionID: "sess-1",
		ToolKind:  "notes",
		Command:   "another",
	})
	assert.ErrorIs(t, err, domain.ErrActiveOperationExists)
}

func TestUpdateOperationTransition(t *testing.T) {
	mgr, _ := newTestManager(t)
	op := startOp(t, mgr, "sess-1")

	approving := domain.StateApproving
	updated, err := mgr.UpdateOperation(context.Background(), op.ID, Update{
		State:  &approving,
		Reason: "content ready",
		Step:   "awaiting_review",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproving, updated.State)
	assert.Equal(t, "awaiting_review", updated.Step)
	assert.Len(t, updated.History, 2)

	// collecting is reachable again (regeneration), inactive is not.
	inactive := domain.StateInactive
	_, err = mgr.UpdateOperation(context.Background(), op.ID, Update{State: &inactive})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	stored, err := mgr.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproving, stored.State, "failed transition must not be persisted")
}

func TestUpdateOperationMergesExtra(t *testing.T) {
	mgr, _ := newTestManager(t)
	op := startOp(t, mgr, "sess-1")

	_, err := mgr.UpdateOperation(context.Background(), op.ID, Update{
		Extra: map[string]any{"topic": "go", "round": 1},
	})
	require.NoError(t, err)
	updated, err := mgr.UpdateOperation(context.Background(), op.ID, Update{
		Extra: map[string]any{"round": 2},
	})
	require.NoError(t, err)

	assert.Equal(t, "go", updated.Metadata.Extra["topic"], "merge must not drop existing keys")
	assert.Equal(t, 2, updated.Metadata.Extra["round"])
}

func TestCreateItems(t *testing.T) {
	mgr, _ := newTestManager(t)
	op := startOp(t, mgr, "sess-1")

	items, err := mgr.CreateItems(context.Background(), op, "note",
		[]domain.ItemDraft{{Raw: "a"}, {Raw: "b"}}, domain.ModeImmediate)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, domain.StatusPending, items[0].Status)
	assert.Equal(t, 1, items[0].Content.Version)
	assert.Equal(t, op.ID, items[0].OperationID)

	stored, err := mgr.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{items[0].ID, items[1].ID}, stored.Output.ContentIDs)
}

func TestCreateItemsRejectedInTerminalState(t *testing.T) {
	mgr, _ := newTestManager(t)
	op := startOp(t, mgr, "sess-1")
	ended, err := mgr.EndOperation(context.Background(), op.ID, domain.StateCancelled, "user exit")
	require.NoError(t, err)

	_, err = mgr.CreateItems(context.Background(), ended, "note",
		[]domain.ItemDraft{{Raw: "late"}}, domain.ModeImmediate)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCreateRegenerationItemsBumpsVersion(t *testing.T) {
	mgr, _ := newTestManager(t)
	op := startOp(t, mgr, "sess-1")

	items, err := mgr.CreateRegenerationItems(context.Background(), op, "note",
		[]domain.ItemDraft{{Raw: "take two"}}, domain.ModeImmediate, 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Content.Version)
}

func TestEndOperationFinalizesItems(t *testing.T) {
	mgr, store := newTestManager(t)
	op := startOp(t, mgr, "sess-1")
	items, err := mgr.CreateItems(context.Background(), op, "note",
		[]domain.ItemDraft{{Raw: "a"}, {Raw: "b"}}, domain.ModeImmediate)
	require.NoError(t, err)

	ended, err := mgr.EndOperation(context.Background(), op.ID, domain.StateCompleted, "all done")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, ended.State)
	assert.Equal(t, "all done", ended.EndReason)
	require.NotNil(t, ended.EndedAt)

	for _, it := range items {
		got, err := store.Items().Get(context.Background(), it.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCompleted, got.State)
		assert.Equal(t, domain.StatusExecuted, got.Status)
	}

	// Session is free for a new operation once the old one is terminal.
	_, err = mgr.StartOperation(context.Background(), StartRequest{
		SessionID: "sess-1", ToolKind: "notes", Command: "next",
	})
	assert.NoError(t, err)
}

func TestEndOperationLeavesScheduledItems(t *testing.T) {
	mgr, store := newTestManager(t)
	op := startOp(t, mgr, "sess-1")
	items, err := mgr.CreateItems(context.Background(), op, "note",
		[]domain.ItemDraft{{Raw: "later"}}, domain.ModeTimed)
	require.NoError(t, err)
	require.NoError(t, mgr.TransitionItems(context.Background(),
		[]string{items[0].ID}, domain.StateExecuting, domain.StatusScheduled, "schedule active"))

	_, err = mgr.EndOperation(context.Background(), op.ID, domain.StateCompleted, "handed to schedule")
	require.NoError(t, err)

	got, err := store.Items().Get(context.Background(), items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, got.Status, "scheduled work outlives the operation")
	assert.Equal(t, domain.StateExecuting, got.State)
}

func TestEndOperationCancelledRejectsItems(t *testing.T) {
	mgr, store := newTestManager(t)
	op := startOp(t, mgr, "sess-1")
	items, err := mgr.CreateItems(context.Background(), op, "note",
		[]domain.ItemDraft{{Raw: "a"}}, domain.ModeImmediate)
	require.NoError(t, err)

	_, err = mgr.EndOperation(context.Background(), op.ID, domain.StateCancelled, "user exit")
	require.NoError(t, err)

	got, err := store.Items().Get(context.Background(), items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)
}

func TestEndOperationRequiresTerminalState(t *testing.T) {
	mgr, _ := newTestManager(t)
	op := startOp(t, mgr, "sess-1")
	_, err := mgr.EndOperation(context.Background(), op.ID, domain.StateApproving, "oops")
	assert.Error(t, err)
}

func TestRefreshOperationStateIdempotent(t *testing.T) {
	mgr, store := newTestManager(t)
	op := startOp(t, mgr, "sess-1")
	items, err := mgr.CreateItems(context.Background(), op, "note",
		[]domain.ItemDraft{{Raw: "a"}, {Raw: "b"}, {Raw: "c"}}, domain.ModeImmediate)
	require.NoError(t, err)

	mark := func(id string, status domain.Status) {
		it, err := store.Items().Get(context.Background(), id)
		require.NoError(t, err)
		it.SetStatus(status, "review", mgr.Now())
		require.NoError(t, store.Items().Update(context.Background(), it))
	}
	mark(items[0].ID, domain.StatusApproved)
	mark(items[1].ID, domain.StatusRejected)

	first, err := mgr.RefreshOperationState(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Metadata.Approval.ApprovedCount)
	assert.Equal(t, 1, first.Metadata.Approval.RejectedCount)
	assert.Equal(t, 3, first.Metadata.Approval.TotalItems)

	second, err := mgr.RefreshOperationState(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt, "no-op refresh must not rewrite")
}

func TestRefreshOperationStateDerivesExecuting(t *testing.T) {
	mgr, store := newTestManager(t)
	op := startOp(t, mgr, "sess-1")
	items, err := mgr.CreateItems(context.Background(), op, "note",
		[]domain.ItemDraft{{Raw: "a"}, {Raw: "b"}}, domain.ModeTimed)
	require.NoError(t, err)

	for _, item := range items {
		it, err := store.Items().Get(context.Background(), item.ID)
		require.NoError(t, err)
		it.SetStatus(domain.StatusScheduled, "schedule activated", mgr.Now())
		require.NoError(t, store.Items().Update(context.Background(), it))
	}

	got, err := mgr.RefreshOperationState(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExecuting, got.State,
		"all items scheduled should derive operation executing")
}

func TestRefreshOperationStateDerivesCompleted(t *testing.T) {
	mgr, store := newTestManager(t)
	op := startOp(t, mgr, "sess-1")
	items, err := mgr.CreateItems(context.Background(), op, "note",
		[]domain.ItemDraft{{Raw: "a"}, {Raw: "b"}}, domain.ModeTimed)
	require.NoError(t, err)

	executing := domain.StateExecuting
	_, err = mgr.UpdateOperation(context.Background(), op.ID, Update{
		State:  &executing,
		Reason: "schedule handed over",
	})
	require.NoError(t, err)

	for _, item := range items {
		it, err := store.Items().Get(context.Background(), item.ID)
		require.NoError(t, err)
		it.SetStatus(domain.StatusExecuted, "executed", mgr.Now())
		require.NoError(t, store.Items().Update(context.Background(), it))
	}

	got, err := mgr.RefreshOperationState(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State,
		"all items executed should derive operation completed")
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, "all items executed", got.EndReason)
}

func TestRefreshOperationStateHoldsDuringReview(t *testing.T) {
	mgr, store := newTestManager(t)
	op := startOp(t, mgr, "sess-1")
	items, err := mgr.CreateItems(context.Background(), op, "note",
		[]domain.ItemDraft{{Raw: "a"}, {Raw: "b"}}, domain.ModeTimed)
	require.NoError(t, err)

	// One item scheduled, one still pending review: no state is implied.
	it, err := store.Items().Get(context.Background(), items[0].ID)
	require.NoError(t, err)
	it.SetStatus(domain.StatusScheduled, "schedule activated", mgr.Now())
	require.NoError(t, store.Items().Update(context.Background(), it))

	got, err := mgr.RefreshOperationState(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCollecting, got.State)
}

func TestUpdateOperationSessionMismatch(t *testing.T) {
	mgr, _ := newTestManager(t)
	op := startOp(t, mgr, "sess-1")

	_, err := mgr.UpdateOperation(context.Background(), op.ID, Update{
		SessionID: "sess-2",
		Step:      "hijack",
	})
	assert.ErrorIs(t, err, domain.ErrOperationNotFound)

	got, err := mgr.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "hijack", got.Step, "mismatched session must not write")
}
