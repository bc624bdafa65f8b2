package monitor

import (
	"context"
	"errors"
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
	"github.com/amberflow/stagehand/pkg/registry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	mgr    *lifecycle.Manager
	loop   *Loop
	store  ports.Store
	clock  *testutils.Clock
	tool   *testutils.Tool
	source *testutils.ConditionSource
	item   *domain.Item
}

// newFixture builds one approved monitored item watching target 100 with a
// one-minute check interval, expiring a day out.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	clock := testutils.NewClock(t0)
	var seq int
	mgr := lifecycle.NewManager(store,
		lifecycle.WithClock(clock.Now),
		lifecycle.WithIDFunc(func() string { seq++; return fmt.Sprintf("id-%d", seq) }),
	)

	op, err := mgr.StartOperation(context.Background(), lifecycle.StartRequest{
		SessionID:          "sess-1",
		ToolKind:           "fake",
		Command:            "swap when the price hits 100",
		RequiresScheduling: true,
	})
	require.NoError(t, err)
	items, err := mgr.CreateItems(context.Background(), op, "swap",
		[]domain.ItemDraft{{Raw: "swap 1 ETH"}}, domain.ModeMonitored)
	require.NoError(t, err)
	require.NoError(t, mgr.TransitionItems(context.Background(), []string{items[0].ID},
		domain.StateExecuting, domain.StatusScheduled, "schedule activated"))

	now := clock.Now()
	_, err = store.Items().UpdateIf(context.Background(), items[0].ID, domain.StatusScheduled,
		func(it *domain.Item) error {
			it.Params.Monitor.TargetValue = 100
			it.Params.Monitor.CheckInterval = time.Minute
			it.Params.Monitor.ExpiresAt = now.Add(24 * time.Hour)
			return nil
		})
	require.NoError(t, err)

	tool := &testutils.Tool{KindName: "fake"}
	reg := registry.New()
	reg.Register(tool)
	source := testutils.NewConditionSource(50)
	loop := NewLoop(mgr, reg, source, WithTick(time.Millisecond))

	return &fixture{mgr: mgr, loop: loop, store: store, clock: clock, tool: tool, source: source, item: items[0]}
}

func (f *fixture) get(t *testing.T) *domain.Item {
	t.Helper()
	item, err := f.store.Items().Get(context.Background(), f.item.ID)
	require.NoError(t, err)
	return item
}

func TestConditionNotMetStampsCheck(t *testing.T) {
	f := newFixture(t)
	f.loop.Tick(context.Background())

	item := f.get(t)
	assert.Equal(t, domain.StatusScheduled, item.Status)
	assert.Equal(t, t0, item.Params.Monitor.LastCheckedAt)
	assert.Equal(t, float64(50), item.Params.Monitor.BestValueSeen)
	assert.Equal(t, 0, f.tool.ExecutedCount())
}

func TestCheckIntervalThrottles(t *testing.T) {
	f := newFixture(t)
	f.loop.Tick(context.Background())
	require.Equal(t, 1, f.source.Calls)

	// Interval not elapsed: the oracle is not queried again.
	f.clock.Advance(10 * time.Second)
	f.loop.Tick(context.Background())
	assert.Equal(t, 1, f.source.Calls)

	f.clock.Advance(time.Minute)
	f.loop.Tick(context.Background())
	assert.Equal(t, 2, f.source.Calls)
}

func TestBestValueSeenOnlyImproves(t *testing.T) {
	f := newFixture(t)
	f.source.Set(80)
	f.loop.Tick(context.Background())
	assert.Equal(t, float64(80), f.get(t).Params.Monitor.BestValueSeen)

	f.clock.Advance(2 * time.Minute)
	f.source.Set(60)
	f.loop.Tick(context.Background())

	item := f.get(t)
	assert.Equal(t, float64(80), item.Params.Monitor.BestValueSeen, "a worse reading must not regress the best")
	assert.Equal(t, f.clock.Now(), item.Params.Monitor.LastCheckedAt, "every check is stamped")
}

func TestOracleErrorStampsCheck(t *testing.T) {
	f := newFixture(t)
	f.source.Fail(errors.New("feed down"))
	f.loop.Tick(context.Background())

	item := f.get(t)
	assert.Equal(t, domain.StatusScheduled, item.Status)
	assert.Equal(t, t0, item.Params.Monitor.LastCheckedAt, "failed checks still stamp, preventing busy-looping")
	assert.Contains(t, item.Params.Monitor.LastCheckResult, "feed down")

	// Throttled like any other check.
	f.clock.Advance(10 * time.Second)
	f.loop.Tick(context.Background())
	assert.Equal(t, 1, f.source.Calls)
}

func TestConditionMetExecutes(t *testing.T) {
	f := newFixture(t)
	f.source.Set(101)
	f.loop.Tick(context.Background())

	item := f.get(t)
	assert.Equal(t, domain.StatusExecuted, item.Status)
	assert.Equal(t, domain.StateCompleted, item.State)
	require.NotNil(t, item.ExecutedAt)
	assert.Equal(t, 1, f.tool.ExecutedCount())

	// Executed items drop out of the scan.
	f.clock.Advance(2 * time.Minute)
	f.loop.Tick(context.Background())
	assert.Equal(t, 1, f.tool.ExecutedCount())
}

func TestExpiredItemFailsWithoutExecuting(t *testing.T) {
	f := newFixture(t)
	f.source.Set(500) // condition would be met, but expiry wins
	f.clock.Advance(25 * time.Hour)
	f.loop.Tick(context.Background())

	item := f.get(t)
	assert.Equal(t, domain.StatusFailed, item.Status)
	assert.Equal(t, domain.StateError, item.State)
	assert.Equal(t, "expired", item.LastError)
	assert.Equal(t, 0, f.tool.ExecutedCount(), "expiry never calls the tool")
	assert.Equal(t, 0, f.source.Calls, "expiry never queries the oracle")
}

func TestFailedExecutionNotRetried(t *testing.T) {
	f := newFixture(t)
	f.tool.ExecuteErr = errors.New("swap reverted")
	f.source.Set(150)
	f.loop.Tick(context.Background())

	item := f.get(t)
	assert.Equal(t, domain.StatusFailed, item.Status)
	assert.Equal(t, "swap reverted", item.LastError)

	f.clock.Advance(2 * time.Minute)
	f.loop.Tick(context.Background())
	assert.Equal(t, 1, f.tool.ExecutedCount(), "failed conditional executions need an operator, not a retry")
}

func TestOverlappingTicksExecuteOnce(t *testing.T) {
	f := newFixture(t)
	f.source.Set(200)

	// Simulate a racing tick that already claimed the item.
	claimed, err := f.store.Items().UpdateIf(context.Background(), f.item.ID, domain.StatusScheduled,
		func(it *domain.Item) error {
			it.SetStatus(domain.StatusExecuting, "condition met", f.clock.Now())
			return nil
		})
	require.NoError(t, err)
	require.True(t, claimed)

	f.loop.Tick(context.Background())
	assert.Equal(t, 0, f.tool.ExecutedCount(), "the loser of the claim must not execute")
}

// gatedSource layers a pre-condition check over the plain value source.
type gatedSource struct {
	*testutils.ConditionSource
	blocked  bool
	reason   string
	checkErr error
}

func (s *gatedSource) Executable(ctx context.Context, item *domain.Item) (bool, string, error) {
	if s.checkErr != nil {
		return false, "", s.checkErr
	}
	if s.blocked {
		return false, s.reason, nil
	}
	return true, "", nil
}

func TestNotExecutableStampsWarningWithoutFailing(t *testing.T) {
	f := newFixture(t)
	src := &gatedSource{
		ConditionSource: f.source,
		blocked:         true,
		reason:          "insufficient balance: have 0.2 ETH, need 1 ETH",
	}
	reg := registry.New()
	reg.Register(f.tool)
	loop := NewLoop(f.mgr, reg, src, WithTick(time.Millisecond))

	f.source.Set(200) // condition would be met, but the pre-condition blocks
	loop.Tick(context.Background())

	item := f.get(t)
	assert.Equal(t, domain.StatusScheduled, item.Status, "a blocked item keeps watching")
	assert.Equal(t, src.reason, item.Metadata["last_warning"])
	assert.NotEmpty(t, item.Metadata["last_warning_time"])
	assert.Equal(t, t0, item.Params.Monitor.LastCheckedAt, "blocked checks still throttle")
	assert.Equal(t, 0, f.source.Calls, "the oracle is not quoted while blocked")
	assert.Equal(t, 0, f.tool.ExecutedCount())

	// Funds arrive: the next due check fires normally.
	src.blocked = false
	f.clock.Advance(2 * time.Minute)
	loop.Tick(context.Background())
	assert.Equal(t, domain.StatusExecuted, f.get(t).Status)
}

func TestExecutabilityCheckErrorDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	src := &gatedSource{
		ConditionSource: f.source,
		checkErr:        errors.New("balance lookup timed out"),
	}
	reg := registry.New()
	reg.Register(f.tool)
	loop := NewLoop(f.mgr, reg, src, WithTick(time.Millisecond))

	f.source.Set(150)
	loop.Tick(context.Background())

	item := f.get(t)
	assert.Equal(t, domain.StatusExecuted, item.Status, "a broken pre-check falls back to the value comparison")
	assert.Nil(t, item.Metadata["last_warning"])
}
