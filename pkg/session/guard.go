// Package session serializes message handling per session. Within one
// process a reference-counted mutex totally orders mutations for a session;
// an optional distributed locker extends the guarantee across engine
// replicas sharing a store.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amberflow/stagehand/internal/logging"
	"github.com/amberflow/stagehand/pkg/ports"
)

// DefaultTTL bounds how long a crashed replica can hold a distributed lock.
const DefaultTTL = 30 * time.Second

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Guard serializes access to a session. The zero value is not usable; use
// NewGuard.
type Guard struct {
	mu    sync.Mutex            // Global lock for the map
	locks map[string]*lockEntry // Map of active locks

	locker ports.DistributedLocker // Optional distributed locker
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures the Guard.
type Option func(*Guard)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(g *Guard) { g.locker = locker }
}

// WithTTL sets the distributed lock's expiry.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) { g.ttl = ttl }
}

// WithLogger configures a logger for deferred unlock errors.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// NewGuard creates a session Guard.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		locks:  make(map[string]*lockEntry),
		ttl:    DefaultTTL,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(sessionID) after
// unlocking.
func (g *Guard) acquire(sessionID string) *lockEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, exists := g.locks[sessionID]
	if !exists {
		entry = &lockEntry{}
		g.locks[sessionID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches
// zero.
func (g *Guard) release(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, exists := g.locks[sessionID]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(g.locks, sessionID)
	}
}

// WithLock executes fn while holding the lock for the session.
func (g *Guard) WithLock(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	entry := g.acquire(sessionID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		g.release(sessionID)
	}()

	if g.locker != nil {
		unlock, err := g.locker.Lock(ctx, sessionID, g.ttl)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				g.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"session_id", sessionID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}
