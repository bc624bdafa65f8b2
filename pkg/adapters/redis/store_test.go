package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisadapter "github.com/amberflow/stagehand/pkg/adapters/redis"
	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
)

func newOp(id, session string) *domain.Operation {
	return domain.NewOperation(id, session, "tweet", domain.OperationInput{Command: "schedule tweets"}, time.Now().UTC())
}

func newTestStore(t *testing.T) (*redisadapter.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	store := redisadapter.NewFromClient(client, redisadapter.WithPrefix("test:"))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_Contract(t *testing.T) {
	store, _ := newTestStore(t)
	ports.RunStoreContract(t, store)
}

func TestRedisStore_KeysArePrefixed(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	op := newOp("op-prefix", "sess-prefix")
	require.NoError(t, store.Operations().Insert(ctx, op))

	assert.True(t, mr.Exists("test:op:op-prefix"))
	assert.True(t, mr.Exists("test:session:sess-prefix:ops"))
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	_, mr := newTestStore(t)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	locker := redisadapter.NewLocker(client, "test:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "sess-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:sess-1"))

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("test:lock:sess-1"))
}

func TestRedisLocker_Contention(t *testing.T) {
	_, mr := newTestStore(t)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	locker := redisadapter.NewLocker(client, "test:")
	ctx := context.Background()

	unlock1, err := locker.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)

	ctxTimeout, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctxTimeout, "shared", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock1(ctx))

	unlock2, err := locker.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)
	defer unlock2(ctx)
}
