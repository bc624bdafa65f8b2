package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/amberflow/stagehand/internal/lifecycle"
	"github.com/amberflow/stagehand/internal/logging"
	"github.com/amberflow/stagehand/internal/metrics"
	"github.com/amberflow/stagehand/pkg/bus"
	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
	"github.com/amberflow/stagehand/pkg/registry"
)

// DefaultExecutorTick is how often the executor scans for due items.
const DefaultExecutorTick = 30 * time.Second

// Executor fires timed items whose scheduled time has arrived. It is one of
// the two background loops (the other is the condition monitor) and relies on
// conditional status writes for its exactly-once guarantee, so several
// executors may run against the same store.
type Executor struct {
	mgr     *lifecycle.Manager
	coord   *Coordinator
	tools   *registry.Registry
	tick    time.Duration
	logger  *slog.Logger
	pub     bus.Publisher
	metrics *metrics.Metrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorTick overrides the scan interval.
func WithExecutorTick(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.tick = d
		}
	}
}

// WithExecutorLogger sets the structured logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithExecutorPublisher sets the lifecycle event publisher.
func WithExecutorPublisher(pub bus.Publisher) ExecutorOption {
	return func(e *Executor) {
		if pub != nil {
			e.pub = pub
		}
	}
}

// WithExecutorMetrics sets the Prometheus collectors.
func WithExecutorMetrics(mx *metrics.Metrics) ExecutorOption {
	return func(e *Executor) {
		if mx != nil {
			e.metrics = mx
		}
	}
}

// NewExecutor creates an Executor.
func NewExecutor(mgr *lifecycle.Manager, coord *Coordinator, tools *registry.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		mgr:     mgr,
		coord:   coord,
		tools:   tools,
		tick:    DefaultExecutorTick,
		logger:  logging.NewNop(),
		pub:     bus.Nop(),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run scans on every tick until the context is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	e.logger.Info("schedule executor started", "tick", e.tick)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("schedule executor stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick executes every due timed item once. Exported so hosts driving their
// own loop (and tests) can step the executor manually.
func (e *Executor) Tick(ctx context.Context) {
	now := e.mgr.Now()
	due, err := e.mgr.Store().Items().List(ctx, ports.ItemFilter{
		Statuses:  []domain.Status{domain.StatusScheduled},
		Mode:      domain.ModeTimed,
		DueBefore: &now,
	})
	if err != nil {
		e.logger.Error("due item scan failed", "err", err)
		return
	}
	for _, item := range due {
		if ctx.Err() != nil {
			return
		}
		if e.paused(ctx, item) {
			continue
		}
		e.executeItem(ctx, item)
	}
}

// paused reports whether the item's schedule is suspended. Items with no
// schedule (direct immediate flows) are never paused.
func (e *Executor) paused(ctx context.Context, item *domain.Item) bool {
	var (
		sched *domain.Schedule
		err   error
	)
	if item.ScheduleID != "" {
		sched, err = e.mgr.Store().Schedules().Get(ctx, item.ScheduleID)
	} else {
		sched, err = e.mgr.Store().Schedules().ByOperation(ctx, item.OperationID)
	}
	if err != nil {
		return false
	}
	return sched.State != domain.ScheduleActive
}

// executeItem runs the claim -> execute -> finalize sequence for one item.
// The claim is a conditional write on StatusScheduled, so overlapping ticks
// agree on a single winner per item.
func (e *Executor) executeItem(ctx context.Context, item *domain.Item) {
	op, err := e.mgr.Get(ctx, item.OperationID)
	if err != nil {
		e.logger.Error("operation lookup failed", "item_id", item.ID, "err", err)
		return
	}
	tool, err := e.tools.Lookup(op.ToolKind)
	if err != nil {
		e.logger.Error("no tool for scheduled item",
			"item_id", item.ID,
			"tool_kind", op.ToolKind)
		return
	}

	now := e.mgr.Now()
	claimed, err := e.mgr.Store().Items().UpdateIf(ctx, item.ID, domain.StatusScheduled,
		func(it *domain.Item) error {
			it.SetStatus(domain.StatusExecuting, "scheduled time reached", now)
			return nil
		})
	if err != nil {
		e.logger.Error("item claim failed", "item_id", item.ID, "err", err)
		return
	}
	if !claimed {
		return
	}

	result, err := tool.ExecuteScheduled(ctx, item)
	if err != nil {
		result = &domain.ExecutionResult{Success: false, Error: err.Error()}
	}
	e.finalize(ctx, item, result)

	if _, err := e.mgr.RefreshOperationState(ctx, item.OperationID); err != nil {
		e.logger.Warn("operation refresh failed", "operation_id", item.OperationID, "err", err)
	}
	if done, err := e.coord.CheckCompletion(ctx, item.OperationID); err != nil {
		e.logger.Error("completion check failed", "operation_id", item.OperationID, "err", err)
	} else if done {
		e.logger.Info("schedule drained", "operation_id", item.OperationID)
	}
}

func (e *Executor) finalize(ctx context.Context, item *domain.Item, result *domain.ExecutionResult) {
	now := e.mgr.Now()
	_, err := e.mgr.Store().Items().UpdateIf(ctx, item.ID, domain.StatusExecuting,
		func(it *domain.Item) error {
			if result.Success {
				if err := it.Transition(domain.StateCompleted, "executed", now); err != nil {
					return err
				}
				it.SetStatus(domain.StatusExecuted, "executed", now)
				it.ExecutedAt = &now
				it.Result = result.Result
				return nil
			}
			if err := it.Transition(domain.StateError, "execution failed", now); err != nil {
				return err
			}
			it.SetStatus(domain.StatusFailed, "execution failed", now)
			it.LastError = result.Error
			return nil
		})
	if err != nil {
		e.logger.Error("item finalize failed", "item_id", item.ID, "err", err)
		return
	}

	if result.Success {
		e.metrics.ItemsExecuted.WithLabelValues("success").Inc()
		e.logger.Info("item executed", "item_id", item.ID)
		e.publish(ctx, bus.Event{
			Type:        bus.EventItemExecuted,
			OperationID: item.OperationID,
			ItemID:      item.ID,
			Status:      string(domain.StatusExecuted),
		})
		return
	}
	e.metrics.ItemsExecuted.WithLabelValues("failure").Inc()
	e.logger.Warn("item execution failed",
		"item_id", item.ID,
		"err", result.Error)
	e.publish(ctx, bus.Event{
		Type:        bus.EventItemFailed,
		OperationID: item.OperationID,
		ItemID:      item.ID,
		Status:      string(domain.StatusFailed),
		Reason:      result.Error,
	})
}

func (e *Executor) publish(ctx context.Context, ev bus.Event) {
	ev.At = e.mgr.Now()
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.logger.Warn("event publish failed", "type", ev.Type, "err", err)
	}
}
