package stagehand

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amberflow/stagehand/internal/testutils"
	"github.com/amberflow/stagehand/pkg/adapters/memory"
	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/persistence/middleware"
	"github.com/amberflow/stagehand/pkg/ports"
)

func TestEngineEndToEnd(t *testing.T) {
	clock := testutils.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	eng, err := New(WithClock(clock.Now))
	require.NoError(t, err)

	tool := &testutils.Tool{
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
	eng.RegisterTool(tool)

	reply, err := eng.Handle(context.Background(), "sess-1", "tweet", "schedule three tweets about ai")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "1. ai #1")

	reply, err = eng.Handle(context.Background(), "sess-1", "tweet", "approve all of them")
	require.NoError(t, err)
	assert.True(t, reply.Ended)

	op, err := eng.Operation(context.Background(), reply.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, op.State)

	// Drive the executor past every slot; all three items go out.
	clock.Advance(4 * time.Hour)
	eng.TickExecutor(context.Background())
	assert.Equal(t, 3, tool.ExecutedCount())

	sched, err := eng.Schedule(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleCompleted, sched.State)
}

func TestKeywordClassifier(t *testing.T) {
	items := []*domain.Item{{}, {}, {}}
	c := NewKeywordClassifier()

	d, err := c.Classify(context.Background(), "approve 1 and 3", items)
	require.NoError(t, err)
	assert.Equal(t, string(domain.ActionPartialApproval), d.Action)
	assert.Equal(t, []int{1, 3}, d.ApprovedIndices)

	d, err = c.Classify(context.Background(), "looks good, send them", items)
	require.NoError(t, err)
	assert.Equal(t, string(domain.ActionFullApproval), d.Action)

	d, err = c.Classify(context.Background(), "please redo these", items)
	require.NoError(t, err)
	assert.Equal(t, string(domain.ActionRegenerateAll), d.Action)

	d, err = c.Classify(context.Background(), "never mind", items)
	require.NoError(t, err)
	assert.Equal(t, string(domain.ActionExit), d.Action)

	d, err = c.Classify(context.Background(), "what would you do?", items)
	require.NoError(t, err)
	assert.Equal(t, string(domain.ActionAwaitingInput), d.Action)
}

func TestEngineStoreMiddleware(t *testing.T) {
	inner := memory.New()
	eng, err := New(
		WithStore(inner),
		WithStoreMiddleware(middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
			ActiveKey: bytes.Repeat([]byte{7}, 32),
		})),
	)
	require.NoError(t, err)
	eng.RegisterTool(&testutils.Tool{KindName: "memo"})

	reply, err := eng.Handle(context.Background(), "sess-1", "memo", "remember the launch checklist")
	require.NoError(t, err)
	require.True(t, reply.Ended)

	items, err := eng.Items(context.Background(), reply.OperationID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "remember the launch checklist #1", items[0].Content.Raw,
		"the engine reads plaintext through the middleware")

	stored, err := inner.Items().Get(context.Background(), items[0].ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.Content.Raw, "enc:v1:"),
		"the backing store must only ever hold ciphertext")

	storedOp, err := inner.Operations().Get(context.Background(), reply.OperationID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(storedOp.Input.Command, "enc:v1:"))
}

// countingLocker records lock/unlock pairs to prove the session guard reaches
// the configured distributed locker.
type countingLocker struct {
	mu      sync.Mutex
	locks   int
	unlocks int
	lastKey string
	lastTTL time.Duration
}

func (l *countingLocker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks++
	l.lastKey = key
	l.lastTTL = ttl
	return func(ctx context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.unlocks++
		return nil
	}, nil
}

func TestEngineSessionLocker(t *testing.T) {
	locker := &countingLocker{}
	eng, err := New(WithSessionLocker(locker))
	require.NoError(t, err)
	eng.RegisterTool(&testutils.Tool{KindName: "memo"})

	_, err = eng.Handle(context.Background(), "sess-1", "memo", "note something down")
	require.NoError(t, err)

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Equal(t, 1, locker.locks, "every handled message takes the session lock")
	assert.Equal(t, 1, locker.unlocks, "the lock is released after the turn")
	assert.Equal(t, "sess-1", locker.lastKey)
	assert.Positive(t, locker.lastTTL)
}
