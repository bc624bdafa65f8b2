package approval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amberflow/stagehand/internal/lifecycle"
	"github.com/amberflow/stagehand/internal/testutils"
	"github.com/amberflow/stagehand/pkg/adapters/memory"
	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
)

type fixture struct {
	mgr        *lifecycle.Manager
	coord      *Coordinator
	classifier *testutils.Classifier
	store      ports.Store
	op         *domain.Operation
	items      []*domain.Item
}

func newFixture(t *testing.T, count int) *fixture {
	t.Helper()
	store := memory.New()
	clock := testutils.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	var seq int
	mgr := lifecycle.NewManager(store,
		lifecycle.WithClock(clock.Now),
		lifecycle.WithIDFunc(func() string { seq++; return fmt.Sprintf("id-%d", seq) }),
	)
	classifier := &testutils.Classifier{}
	coord := NewCoordinator(mgr, classifier)

	op, err := mgr.StartOperation(context.Background(), lifecycle.StartRequest{
		SessionID:         "sess-1",
		ToolKind:          "notes",
		Command:           "draft notes",
		RequiresApproval:  true,
		ExpectedItemCount: count,
	})
	require.NoError(t, err)

	drafts := make([]domain.ItemDraft, count)
	for i := range drafts {
		drafts[i] = domain.ItemDraft{Raw: fmt.Sprintf("note %d", i+1)}
	}
	items, err := mgr.CreateItems(context.Background(), op, "note", drafts, domain.ModeImmediate)
	require.NoError(t, err)

	return &fixture{mgr: mgr, coord: coord, classifier: classifier, store: store, op: op, items: items}
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	review, err := f.coord.StartFlow(context.Background(), f.op, f.items)
	require.NoError(t, err)
	op, err := f.mgr.Get(context.Background(), f.op.ID)
	require.NoError(t, err)
	f.op = op
	return review
}

func (f *fixture) item(t *testing.T, id string) *domain.Item {
	t.Helper()
	item, err := f.store.Items().Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

func TestStartFlow(t *testing.T) {
	f := newFixture(t, 3)
	review := f.start(t)

	assert.Equal(t, domain.StateApproving, f.op.State)
	assert.Equal(t, domain.ApprovalAwaitingApproval, f.op.Metadata.Approval.State)
	assert.Len(t, f.op.Metadata.Approval.PendingItemIDs, 3)

	assert.Contains(t, review, "1. note 1")
	assert.Contains(t, review, "3. note 3")
	assert.Contains(t, review, "approve all")

	for _, it := range f.items {
		got := f.item(t, it.ID)
		assert.Equal(t, domain.StateApproving, got.State)
		assert.Equal(t, domain.StatusPending, got.Status)
	}
}

func TestProcessResponseFullApproval(t *testing.T) {
	f := newFixture(t, 3)
	f.start(t)
	f.classifier.Decisions = []*domain.Decision{{Action: "full_approval"}}

	out, err := f.coord.ProcessResponse(context.Background(), f.op, "looks great, approve them all")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFullApproval, out.Action)
	require.Len(t, out.Approved, 3)

	op, err := f.mgr.Get(context.Background(), f.op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExecuting, op.State)
	assert.Equal(t, domain.ApprovalFinished, op.Metadata.Approval.State)
	assert.Equal(t, 3, op.Metadata.Approval.ApprovedCount)

	for _, it := range f.items {
		got := f.item(t, it.ID)
		assert.Equal(t, domain.StateExecuting, got.State)
		assert.Equal(t, domain.StatusApproved, got.Status)
	}
}

func TestProcessResponsePartialApproval(t *testing.T) {
	f := newFixture(t, 3)
	f.start(t)
	f.classifier.Decisions = []*domain.Decision{{
		Action:            "partial_approval",
		ApprovedIndices:   []int{1},
		RegenerateIndices: []int{2, 3},
	}}

	out, err := f.coord.ProcessResponse(context.Background(), f.op, "keep the first, redo the rest")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPartialApproval, out.Action)
	require.Len(t, out.Approved, 1)
	assert.Equal(t, f.items[0].ID, out.Approved[0].ID)
	assert.Equal(t, 2, out.RegenerateCount)

	first := f.item(t, f.items[0].ID)
	assert.Equal(t, domain.StatusApproved, first.Status)
	for _, it := range f.items[1:] {
		got := f.item(t, it.ID)
		assert.Equal(t, domain.StateCompleted, got.State)
		assert.Equal(t, domain.StatusRejected, got.Status)
	}

	op, err := f.mgr.Get(context.Background(), f.op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCollecting, op.State, "rolled back for regeneration")
	assert.Equal(t, domain.ApprovalRegenerating, op.Metadata.Approval.State)
	assert.Equal(t, 1, op.Metadata.Approval.ApprovedCount)
	assert.Equal(t, 2, op.Metadata.Approval.RejectedCount)
}

func TestRejectedItemsNeverReused(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)
	f.classifier.Decisions = []*domain.Decision{{Action: "regenerate_all"}}

	out, err := f.coord.ProcessResponse(context.Background(), f.op, "redo both")
	require.NoError(t, err)
	assert.Equal(t, 2, out.RegenerateCount)

	op, err := f.mgr.Get(context.Background(), f.op.ID)
	require.NoError(t, err)

	replacements, err := f.mgr.CreateRegenerationItems(context.Background(), op, "note",
		[]domain.ItemDraft{{Raw: "r1"}, {Raw: "r2"}}, domain.ModeImmediate, 2)
	require.NoError(t, err)
	review, err := f.coord.StartFlow(context.Background(), op, replacements)
	require.NoError(t, err)

	assert.Contains(t, review, "(revised)")
	assert.NotContains(t, review, "note 1", "rejected originals must not be re-presented")

	for _, it := range f.items {
		got := f.item(t, it.ID)
		assert.Equal(t, domain.StatusRejected, got.Status, "originals stay rejected for audit")
	}
}

func TestProcessResponseExit(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)
	f.classifier.Decisions = []*domain.Decision{{Action: "exit"}}

	out, err := f.coord.ProcessResponse(context.Background(), f.op, "never mind")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExit, out.Action)
	assert.True(t, out.Ended)

	op, err := f.mgr.Get(context.Background(), f.op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, op.State)
	assert.Equal(t, domain.ApprovalCancelled, op.Metadata.Approval.State)

	for _, it := range f.items {
		got := f.item(t, it.ID)
		assert.Equal(t, domain.StateCancelled, got.State)
		assert.Equal(t, domain.StatusRejected, got.Status)
	}
}

func TestProcessResponseAwaitingInputMutatesNothing(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)
	f.classifier.Decisions = []*domain.Decision{{Action: "awaiting_input"}}

	out, err := f.coord.ProcessResponse(context.Background(), f.op, "hmm what do you think?")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAwaitingInput, out.Action)
	assert.NotEmpty(t, out.Response)

	op, err := f.mgr.Get(context.Background(), f.op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproving, op.State)
	for _, it := range f.items {
		assert.Equal(t, domain.StatusPending, f.item(t, it.ID).Status)
	}
}

func TestProcessResponseSubstringFallback(t *testing.T) {
	f := newFixture(t, 1)
	f.start(t)
	f.classifier.Decisions = []*domain.Decision{{Action: "I believe this is a full_approval situation"}}

	out, err := f.coord.ProcessResponse(context.Background(), f.op, "yes")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFullApproval, out.Action)
}

func TestProcessResponseUnknownDecision(t *testing.T) {
	f := newFixture(t, 1)
	f.start(t)
	f.classifier.Decisions = []*domain.Decision{{Action: "buy more storage"}}

	out, err := f.coord.ProcessResponse(context.Background(), f.op, "???")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionError, out.Action)

	assert.Equal(t, domain.StatusPending, f.item(t, f.items[0].ID).Status)
}

func TestProcessResponseBadIndices(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)
	f.classifier.Decisions = []*domain.Decision{{
		Action:          "partial_approval",
		ApprovedIndices: []int{7, 9},
	}}

	out, err := f.coord.ProcessResponse(context.Background(), f.op, "approve seven and nine")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionError, out.Action, "out-of-range indices must not mutate")
	assert.Equal(t, domain.StatusPending, f.item(t, f.items[0].ID).Status)
}

func TestPartialCoveringAllIndicesIsFullApproval(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)
	f.classifier.Decisions = []*domain.Decision{{
		Action:          "partial_approval",
		ApprovedIndices: []int{1, 2},
	}}

	out, err := f.coord.ProcessResponse(context.Background(), f.op, "approve 1 and 2")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFullApproval, out.Action)
	assert.Len(t, out.Approved, 2)
}
