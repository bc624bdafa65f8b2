package ports

import (
	"context"
	"time"
)

// UnlockFunc is a function that releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker serializes session mutations across engine replicas.
// Within one process the dispatcher already totally orders mutations per
// session; the locker extends that guarantee across instances.
type DistributedLocker interface {
	// Lock blocks until the lock for key is acquired, the context is
	// cancelled, or the TTL expires. The returned UnlockFunc MUST be called.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
