package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amberflow/stagehand/internal/approval"
	"github.com/amberflow/stagehand/internal/lifecycle"
	"github.com/amberflow/stagehand/internal/schedule"
	"github.com/amberflow/stagehand/internal/testutils"
	"github.com/amberflow/stagehand/pkg/adapters/memory"
	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
	"github.com/amberflow/stagehand/pkg/registry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	d          *Dispatcher
	mgr        *lifecycle.Manager
	store      ports.Store
	clock      *testutils.Clock
	tool       *testutils.Tool
	classifier *testutils.Classifier
}

func newFixture(t *testing.T, tool *testutils.Tool) *fixture {
	t.Helper()
	store := memory.New()
	clock := testutils.NewClock(t0)
	var seq int
	mgr := lifecycle.NewManager(store,
		lifecycle.WithClock(clock.Now),
		lifecycle.WithIDFunc(func() string { seq++; return fmt.Sprintf("id-%d", seq) }),
	)
	classifier := &testutils.Classifier{}
	ac := approval.NewCoordinator(mgr, classifier)
	sc := schedule.NewCoordinator(mgr)
	reg := registry.New()
	reg.Register(tool)
	d := New(mgr, ac, sc, reg)
	return &fixture{d: d, mgr: mgr, store: store, clock: clock, tool: tool, classifier: classifier}
}

// scheduledTool needs approval and scheduling, like a tweet scheduler.
func scheduledTool() *testutils.Tool {
	return &testutils.Tool{
		KindName: "tweet",
		Caps: ports.Capabilities{
			ContentType:        "tweet",
			RequiresApproval:   true,
			RequiresScheduling: true,
		},
		Analysis: &domain.CommandAnalysis{
			Topic:     "ai",
			ItemCount: 3,
			SchedulePlan: map[string]any{
				"kind":     "spread",
				"interval": "1h",
			},
		},
	}
}

func (f *fixture) items(t *testing.T, opID string) []*domain.Item {
	t.Helper()
	items, err := f.store.Items().List(context.Background(), ports.ItemFilter{OperationID: opID})
	require.NoError(t, err)
	return items
}

func TestFullApprovalFlow(t *testing.T) {
	f := newFixture(t, scheduledTool())

	reply, err := f.d.Handle(context.Background(), "sess-1", "tweet", "schedule three tweets about ai")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "1. ai #1")
	assert.False(t, reply.Ended)

	op, err := f.mgr.Get(context.Background(), reply.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproving, op.State)

	f.classifier.Decisions = []*domain.Decision{{Action: "full_approval"}}
	reply, err = f.d.Handle(context.Background(), "sess-1", "tweet", "looks good, send them")
	require.NoError(t, err)
	assert.True(t, reply.Ended)
	assert.Contains(t, reply.Text, "Scheduled 3 items")

	op, err = f.mgr.Get(context.Background(), reply.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, op.State)

	for _, it := range f.items(t, op.ID) {
		assert.Equal(t, domain.StatusScheduled, it.Status)
		require.NotNil(t, it.ScheduledAt)
		assert.True(t, it.ScheduledAt.After(t0))
	}

	sched, err := f.store.Schedules().ByOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleActive, sched.State)
}

func TestPartialApprovalRegenerates(t *testing.T) {
	f := newFixture(t, scheduledTool())
	reply, err := f.d.Handle(context.Background(), "sess-1", "tweet", "three tweets about ai")
	require.NoError(t, err)
	opID := reply.OperationID
	originals := f.items(t, opID)
	require.Len(t, originals, 3)

	f.classifier.Decisions = []*domain.Decision{{
		Action:            "partial_approval",
		ApprovedIndices:   []int{0},
		RegenerateIndices: []int{1, 2},
	}}
	reply, err = f.d.Handle(context.Background(), "sess-1", "tweet", "keep the first, redo the others")
	require.NoError(t, err)
	assert.False(t, reply.Ended)
	assert.Contains(t, reply.Text, "(revised)")

	items := f.items(t, opID)
	require.Len(t, items, 5, "exactly the rejected count of brand-new items")

	var approved, rejected, pending int
	for _, it := range items {
		switch it.Status {
		case domain.StatusApproved:
			approved++
		case domain.StatusRejected:
			rejected++
		case domain.StatusPending:
			pending++
			assert.Equal(t, 2, it.Content.Version)
		}
	}
	assert.Equal(t, 1, approved)
	assert.Equal(t, 2, rejected)
	assert.Equal(t, 2, pending)

	op, err := f.mgr.Get(context.Background(), opID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproving, op.State, "a fresh review round is open")

	// Approving the replacements schedules all three survivors.
	f.classifier.Decisions = []*domain.Decision{{Action: "full_approval"}}
	reply, err = f.d.Handle(context.Background(), "sess-1", "tweet", "these are great")
	require.NoError(t, err)
	assert.True(t, reply.Ended)

	var scheduled int
	for _, it := range f.items(t, opID) {
		if it.Status == domain.StatusScheduled {
			scheduled++
		}
	}
	assert.Equal(t, 3, scheduled)
}

func TestImmediateToolExecutesInTurn(t *testing.T) {
	tool := &testutils.Tool{
		KindName: "calendar",
		Caps:     ports.Capabilities{ContentType: "event"},
		Analysis: &domain.CommandAnalysis{Topic: "standup", ItemCount: 1},
	}
	f := newFixture(t, tool)

	reply, err := f.d.Handle(context.Background(), "sess-1", "calendar", "create the standup event")
	require.NoError(t, err)
	assert.True(t, reply.Ended)
	assert.Equal(t, 1, tool.ExecutedCount())

	op, err := f.mgr.Get(context.Background(), reply.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, op.State)
	for _, it := range f.items(t, op.ID) {
		assert.Equal(t, domain.StatusExecuted, it.Status)
	}
}

func TestSchedulingWithoutApprovalDetaches(t *testing.T) {
	tool := &testutils.Tool{
		KindName: "digest",
		Caps: ports.Capabilities{
			ContentType:        "digest",
			RequiresScheduling: true,
		},
		Analysis: &domain.CommandAnalysis{
			Topic:     "news",
			ItemCount: 2,
			SchedulePlan: map[string]any{
				"kind":     "spread",
				"interval": "24h",
			},
		},
	}
	f := newFixture(t, tool)

	reply, err := f.d.Handle(context.Background(), "sess-1", "digest", "daily news digests")
	require.NoError(t, err)
	assert.True(t, reply.Ended)
	assert.Equal(t, 0, tool.ExecutedCount(), "nothing executes in-turn")

	op, err := f.mgr.Get(context.Background(), reply.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, op.State)
	for _, it := range f.items(t, op.ID) {
		assert.Equal(t, domain.StatusScheduled, it.Status)
	}
}

func TestExitDuringApproval(t *testing.T) {
	f := newFixture(t, scheduledTool())
	reply, err := f.d.Handle(context.Background(), "sess-1", "tweet", "three tweets about ai")
	require.NoError(t, err)

	f.classifier.Decisions = []*domain.Decision{{Action: "exit"}}
	reply, err = f.d.Handle(context.Background(), "sess-1", "tweet", "forget it")
	require.NoError(t, err)
	assert.True(t, reply.Ended)

	op, err := f.mgr.Get(context.Background(), reply.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, op.State)

	// The session is free again.
	reply, err = f.d.Handle(context.Background(), "sess-1", "tweet", "three tweets about go")
	require.NoError(t, err)
	assert.False(t, reply.Ended)
}

func TestAwaitingInputLeavesReviewOpen(t *testing.T) {
	f := newFixture(t, scheduledTool())
	_, err := f.d.Handle(context.Background(), "sess-1", "tweet", "three tweets about ai")
	require.NoError(t, err)

	f.classifier.Decisions = []*domain.Decision{{Action: "awaiting_input"}}
	reply, err := f.d.Handle(context.Background(), "sess-1", "tweet", "what do you think?")
	require.NoError(t, err)
	assert.False(t, reply.Ended)

	op, err := f.mgr.Get(context.Background(), reply.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproving, op.State)
}

func TestGenerationFailureEndsOperation(t *testing.T) {
	tool := scheduledTool()
	tool.GenerateErr = fmt.Errorf("model unavailable")
	f := newFixture(t, tool)

	_, err := f.d.Handle(context.Background(), "sess-1", "tweet", "three tweets about ai")
	require.Error(t, err)

	// The session must not be wedged by the failed operation.
	_, err = f.mgr.Active(context.Background(), "sess-1")
	assert.ErrorIs(t, err, domain.ErrOperationNotFound)
}

func TestUnknownToolKind(t *testing.T) {
	f := newFixture(t, scheduledTool())
	_, err := f.d.Handle(context.Background(), "sess-1", "teleport", "beam me up")
	assert.Error(t, err)
}
