// Package monitor implements condition-based execution: a periodic loop that
// watches monitored items against an external value source and fires them
// when their target is reached. Time-based items are the schedule executor's
// business; this loop only ever sees ModeMonitored.
package monitor

import (
	"context"
	"fmt"
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

// DefaultTick is how often the loop scans for monitored items.
const DefaultTick = 30 * time.Second

// Loop scans monitored items and executes those whose condition is met.
// Safe to run alongside other loops and user-driven updates: the claim before
// execution is a conditional status write, so exactly one writer wins.
type Loop struct {
	mgr     *lifecycle.Manager
	tools   *registry.Registry
	source  ports.ConditionSource
	tick    time.Duration
	logger  *slog.Logger
	pub     bus.Publisher
	metrics *metrics.Metrics
}

// Option configures a Loop.
type Option func(*Loop)

// WithTick overrides the scan interval.
func WithTick(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.tick = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(pub bus.Publisher) Option {
	return func(l *Loop) {
		if pub != nil {
			l.pub = pub
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(l *Loop) {
		if mx != nil {
			l.metrics = mx
		}
	}
}

// NewLoop creates a Loop.
func NewLoop(mgr *lifecycle.Manager, tools *registry.Registry, source ports.ConditionSource, opts ...Option) *Loop {
	l := &Loop{
		mgr:     mgr,
		tools:   tools,
		source:  source,
		tick:    DefaultTick,
		logger:  logging.NewNop(),
		pub:     bus.Nop(),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run scans on every tick until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	l.logger.Info("monitor loop started", "tick", l.tick)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("monitor loop stopped")
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick checks every monitored item once. Exported for hosts driving their own
// loop and for tests.
func (l *Loop) Tick(ctx context.Context) {
	l.metrics.MonitorTicks.Inc()
	items, err := l.mgr.Store().Items().List(ctx, ports.ItemFilter{
		States:   []domain.State{domain.StateExecuting},
		Statuses: []domain.Status{domain.StatusScheduled},
		Mode:     domain.ModeMonitored,
	})
	if err != nil {
		l.logger.Error("monitored item scan failed", "err", err)
		return
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		l.checkItem(ctx, item)
	}
}

func (l *Loop) checkItem(ctx context.Context, item *domain.Item) {
	now := l.mgr.Now()
	mon := item.Params.Monitor

	if mon.CheckInterval > 0 && !mon.LastCheckedAt.IsZero() && now.Sub(mon.LastCheckedAt) < mon.CheckInterval {
		return
	}

	if !mon.ExpiresAt.IsZero() && now.After(mon.ExpiresAt) {
		l.expire(ctx, item, now)
		return
	}

	if chk, ok := l.source.(ports.ExecutabilityChecker); ok {
		if !l.executable(ctx, chk, item, now) {
			return
		}
	}

	value, err := l.source.CurrentValue(ctx, item)
	if err != nil {
		// Stamp the check anyway so an unhealthy oracle is polled at the
		// item's interval, not every tick.
		l.metrics.MonitorChecks.WithLabelValues("oracle_error").Inc()
		l.logger.Warn("condition source failed",
			"item_id", item.ID,
			"err", err)
		l.stamp(ctx, item.ID, func(it *domain.Item) {
			it.Params.Monitor.LastCheckedAt = now
			it.Params.Monitor.LastCheckResult = fmt.Sprintf("oracle error: %v", err)
		})
		return
	}

	met := value >= mon.TargetValue
	l.stamp(ctx, item.ID, func(it *domain.Item) {
		it.Params.Monitor.LastCheckedAt = now
		it.Params.Monitor.LastCheckResult = fmt.Sprintf("value %.8g, target %.8g", value, mon.TargetValue)
		if value > it.Params.Monitor.BestValueSeen {
			it.Params.Monitor.BestValueSeen = value
		}
	})
	if !met {
		l.metrics.MonitorChecks.WithLabelValues("not_met").Inc()
		return
	}
	l.metrics.MonitorChecks.WithLabelValues("met").Inc()
	l.execute(ctx, item, value)
}

// executable runs the source's pre-condition check. A blocked item (say,
// insufficient funds for the swap it would fire) is stamped with a warning
// and stays scheduled; the next tick re-checks. Check errors do not block:
// the value comparison still decides.
func (l *Loop) executable(ctx context.Context, chk ports.ExecutabilityChecker, item *domain.Item, now time.Time) bool {
	ok, reason, err := chk.Executable(ctx, item)
	if err != nil {
		l.logger.Error("executability check failed", "item_id", item.ID, "err", err)
		return true
	}
	if ok {
		return true
	}
	l.metrics.MonitorChecks.WithLabelValues("not_executable").Inc()
	l.logger.Warn("monitored item not executable",
		"item_id", item.ID,
		"reason", reason)
	l.stamp(ctx, item.ID, func(it *domain.Item) {
		it.Params.Monitor.LastCheckedAt = now
		if it.Metadata == nil {
			it.Metadata = map[string]any{}
		}
		it.Metadata["last_warning"] = reason
		it.Metadata["last_warning_time"] = now.Format(time.RFC3339)
	})
	return false
}

// expire finalizes an item whose window closed without the condition firing.
// Final, no retry.
func (l *Loop) expire(ctx context.Context, item *domain.Item, now time.Time) {
	ok, err := l.mgr.Store().Items().UpdateIf(ctx, item.ID, domain.StatusScheduled,
		func(it *domain.Item) error {
			if err := it.Transition(domain.StateError, "expired", now); err != nil {
				return err
			}
			it.SetStatus(domain.StatusFailed, "expired", now)
			it.LastError = "expired"
			it.Params.Monitor.LastCheckedAt = now
			return nil
		})
	if err != nil {
		l.logger.Error("item expiry failed", "item_id", item.ID, "err", err)
		return
	}
	if !ok {
		return
	}
	l.metrics.MonitorChecks.WithLabelValues("expired").Inc()
	l.logger.Info("monitored item expired",
		"item_id", item.ID,
		"expired_at", item.Params.Monitor.ExpiresAt)
	l.publish(ctx, bus.Event{
		Type:        bus.EventItemFailed,
		OperationID: item.OperationID,
		ItemID:      item.ID,
		Status:      string(domain.StatusFailed),
		Reason:      "expired",
	})
}

// execute runs the claim -> execute -> finalize sequence. The claim re-reads
// the item's status immediately before executing and the post-execution write
// is conditioned on the claim, so overlapping ticks never fire an item twice.
func (l *Loop) execute(ctx context.Context, item *domain.Item, value float64) {
	op, err := l.mgr.Get(ctx, item.OperationID)
	if err != nil {
		l.logger.Error("operation lookup failed", "item_id", item.ID, "err", err)
		return
	}
	tool, err := l.tools.Lookup(op.ToolKind)
	if err != nil {
		l.logger.Error("no tool for monitored item",
			"item_id", item.ID,
			"tool_kind", op.ToolKind)
		return
	}

	now := l.mgr.Now()
	claimed, err := l.mgr.Store().Items().UpdateIf(ctx, item.ID, domain.StatusScheduled,
		func(it *domain.Item) error {
			it.SetStatus(domain.StatusExecuting, "condition met", now)
			return nil
		})
	if err != nil {
		l.logger.Error("item claim failed", "item_id", item.ID, "err", err)
		return
	}
	if !claimed {
		return
	}

	l.logger.Info("condition met, executing",
		"item_id", item.ID,
		"value", value,
		"target", item.Params.Monitor.TargetValue)

	result, err := tool.ExecuteScheduled(ctx, item)
	if err != nil {
		result = &domain.ExecutionResult{Success: false, Error: err.Error()}
	}
	l.finalize(ctx, item, result)
}

// finalize records the execution outcome. Failures are terminal: resubmitting
// a financial action without an operator looking at it first is unsafe.
func (l *Loop) finalize(ctx context.Context, item *domain.Item, result *domain.ExecutionResult) {
	now := l.mgr.Now()
	_, err := l.mgr.Store().Items().UpdateIf(ctx, item.ID, domain.StatusExecuting,
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
		l.logger.Error("item finalize failed", "item_id", item.ID, "err", err)
		return
	}
	if _, err := l.mgr.RefreshOperationState(ctx, item.OperationID); err != nil {
		l.logger.Warn("operation refresh failed", "operation_id", item.OperationID, "err", err)
	}

	if result.Success {
		l.metrics.ItemsExecuted.WithLabelValues("success").Inc()
		l.publish(ctx, bus.Event{
			Type:        bus.EventItemExecuted,
			OperationID: item.OperationID,
			ItemID:      item.ID,
			Status:      string(domain.StatusExecuted),
		})
		return
	}
	l.metrics.ItemsExecuted.WithLabelValues("failure").Inc()
	l.logger.Warn("monitored execution failed",
		"item_id", item.ID,
		"err", result.Error)
	l.publish(ctx, bus.Event{
		Type:        bus.EventItemFailed,
		OperationID: item.OperationID,
		ItemID:      item.ID,
		Status:      string(domain.StatusFailed),
		Reason:      result.Error,
	})
}

// stamp applies a bookkeeping-only mutation, tolerating a lost race.
func (l *Loop) stamp(ctx context.Context, id string, mutate func(*domain.Item)) {
	if _, err := l.mgr.Store().Items().UpdateIf(ctx, id, domain.StatusScheduled,
		func(it *domain.Item) error {
			mutate(it)
			return nil
		}); err != nil {
		l.logger.Error("item stamp failed", "item_id", id, "err", err)
	}
}

func (l *Loop) publish(ctx context.Context, ev bus.Event) {
	ev.At = l.mgr.Now()
	if err := l.pub.Publish(ctx, ev); err != nil {
		l.logger.Warn("event publish failed", "type", ev.Type, "err", err)
	}
}
