// Package schedule computes execution times and runs the activation protocol.
// Activation is deliberately a two-step conditional-write gate so that two
// racing activators (say, a retried message and the original) can never stamp
// times twice.
package schedule

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
)

// epsilon is the forward shift applied when computed times have fallen into
// the past while the user deliberated over approval.
const epsilon = time.Second

// Coordinator owns Schedule lifecycle writes.
type Coordinator struct {
	mgr     *lifecycle.Manager
	logger  *slog.Logger
	pub     bus.Publisher
	metrics *metrics.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(pub bus.Publisher) Option {
	return func(c *Coordinator) {
		if pub != nil {
			c.pub = pub
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(c *Coordinator) {
		if mx != nil {
			c.metrics = mx
		}
	}
}

// NewCoordinator creates a Coordinator sharing the manager's store and clock.
func NewCoordinator(mgr *lifecycle.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		mgr:     mgr,
		logger:  logging.NewNop(),
		pub:     bus.Nop(),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize creates a pending schedule for the operation and links it into
// the operation's metadata.
func (c *Coordinator) Initialize(ctx context.Context, op *domain.Operation, plan domain.SchedulePlan) (*domain.Schedule, error) {
	now := c.mgr.Now()
	sched := domain.NewSchedule(c.mgr.NewID(), op.ID, plan, now)
	if err := c.mgr.Store().Schedules().Insert(ctx, sched); err != nil {
		return nil, fmt.Errorf("initialize schedule: %w", err)
	}
	if _, err := c.mgr.UpdateOperation(ctx, op.ID, lifecycle.Update{
		Schedule: &domain.ScheduleMetadata{
			ScheduleID: sched.ID,
			State:      sched.State,
			StartAt:    plan.StartAt,
		},
	}); err != nil {
		return nil, err
	}
	c.logger.Info("schedule initialized",
		"schedule_id", sched.ID,
		"operation_id", op.ID,
		"kind", plan.Kind)
	return sched, nil
}

// ComputeTimes derives one execution timestamp per item from the plan,
// guaranteeing every timestamp is strictly after now. For spread plans the
// window is divided into equally spaced slots starting at max(now, StartAt);
// if any slot has already passed (approval can be delayed arbitrarily), the
// whole set is shifted forward preserving relative order.
func ComputeTimes(plan domain.SchedulePlan, itemCount int, now time.Time) []time.Time {
	if itemCount <= 0 {
		return nil
	}
	start := now
	if plan.StartAt != nil && plan.StartAt.After(now) {
		start = *plan.StartAt
	}

	times := make([]time.Time, itemCount)
	switch plan.Kind {
	case domain.KindSpread:
		spacing := plan.Interval
		if spacing <= 0 && plan.Window > 0 {
			spacing = plan.Window / time.Duration(itemCount)
		}
		for i := range times {
			times[i] = start.Add(time.Duration(i) * spacing)
		}
	default:
		// one_time, immediate, monitored: a single slot shared by all items.
		for i := range times {
			times[i] = start
		}
	}

	earliest := times[0]
	for _, t := range times {
		if t.Before(earliest) {
			earliest = t
		}
	}
	if !earliest.After(now) {
		shift := now.Sub(earliest) + epsilon
		for i := range times {
			times[i] = times[i].Add(shift)
		}
	}
	return times
}

// Activate stamps scheduled times onto the operation's approved items and
// flips the schedule active. It returns false without error when the
// preconditions do not hold: the schedule must be pending and every target
// item approved. A second call on an already-active schedule is a no-op
// returning true only when the first activation fully landed.
func (c *Coordinator) Activate(ctx context.Context, operationID string) (bool, error) {
	sched, err := c.mgr.Store().Schedules().ByOperation(ctx, operationID)
	if err != nil {
		return false, err
	}
	items, err := c.mgr.Store().Items().List(ctx, ports.ItemFilter{
		OperationID: operationID,
		Statuses:    []domain.Status{domain.StatusApproved, domain.StatusScheduled},
	})
	if err != nil {
		return false, err
	}

	if sched.State == domain.ScheduleActive {
		return c.alreadyActive(items), nil
	}
	if sched.State != domain.SchedulePending {
		return false, nil
	}
	if len(items) == 0 {
		return false, nil
	}
	for _, item := range items {
		if item.Status != domain.StatusApproved {
			return false, nil
		}
	}

	now := c.mgr.Now()
	// Step one: claim the gate. A racing activator loses here and the
	// stamping below runs at most once.
	claimed, err := c.mgr.Store().Schedules().UpdateIf(ctx, sched.ID, domain.SchedulePending,
		func(s *domain.Schedule) error {
			return s.Apply(domain.ScheduleActionActivate, "activation claimed", now)
		})
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	times := ComputeTimes(sched.Plan, len(items), now)
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
		at := times[i]
		ok, err := c.mgr.Store().Items().UpdateIf(ctx, item.ID, domain.StatusApproved,
			func(it *domain.Item) error {
				it.ScheduleID = sched.ID
				it.ScheduledAt = &at
				if sched.Plan.Kind == domain.KindMonitored {
					it.Params.Mode = domain.ModeMonitored
					it.Params.Monitor.TargetValue = sched.Plan.TargetValue
					it.Params.Monitor.CheckInterval = sched.Plan.CheckInterval
					if sched.Plan.ExpiresAfter > 0 {
						it.Params.Monitor.ExpiresAt = now.Add(sched.Plan.ExpiresAfter)
					}
				}
				it.SetStatus(domain.StatusScheduled, "schedule activated", now)
				return nil
			})
		if err != nil || !ok {
			// The item changed under us mid-activation. Park the schedule in
			// error; the operator can re-activate once the items settle.
			_, uerr := c.mgr.Store().Schedules().UpdateIf(ctx, sched.ID, domain.ScheduleActivating,
				func(s *domain.Schedule) error {
					return s.Apply(domain.ScheduleActionError, "item stamping failed", c.mgr.Now())
				})
			if uerr != nil {
				return false, uerr
			}
			if err != nil {
				return false, fmt.Errorf("activate schedule %s: %w", sched.ID, err)
			}
			return false, nil
		}
	}

	// Step two: open the gate for the executors.
	done, err := c.mgr.Store().Schedules().UpdateIf(ctx, sched.ID, domain.ScheduleActivating,
		func(s *domain.Schedule) error {
			if err := s.Apply(domain.ScheduleActionActivated, "all items stamped", now); err != nil {
				return err
			}
			s.ApprovedItemIDs = ids
			s.ActivatedAt = &now
			return nil
		})
	if err != nil {
		return false, err
	}
	if !done {
		return false, nil
	}

	startAt := times[0]
	if _, err := c.mgr.UpdateOperation(ctx, operationID, lifecycle.Update{
		Schedule: &domain.ScheduleMetadata{
			ScheduleID:     sched.ID,
			State:          domain.ScheduleActive,
			ScheduledItems: len(items),
			StartAt:        &startAt,
		},
	}); err != nil {
		return false, err
	}
	// The schedule is active regardless; the derivation pass moves the
	// operation to executing now that every item is stamped.
	if _, err := c.mgr.RefreshOperationState(ctx, operationID); err != nil {
		c.logger.Warn("operation refresh after activation failed",
			"operation_id", operationID,
			"err", err)
	}

	c.metrics.ScheduleActivations.Inc()
	c.logger.Info("schedule activated",
		"schedule_id", sched.ID,
		"operation_id", operationID,
		"items", len(items),
		"first_at", startAt)
	c.publish(ctx, bus.Event{
		Type:        bus.EventScheduleActivated,
		OperationID: operationID,
		ScheduleID:  sched.ID,
		State:       string(domain.ScheduleActive),
	})
	return true, nil
}

// alreadyActive reports whether a previous activation fully landed, making
// re-invocation idempotent.
func (c *Coordinator) alreadyActive(items []*domain.Item) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if item.Status != domain.StatusScheduled && !item.Terminal() {
			return false
		}
	}
	return true
}

// CheckCompletion closes the schedule when every scheduled item has executed.
// Items rejected during review do not count against completion.
func (c *Coordinator) CheckCompletion(ctx context.Context, operationID string) (bool, error) {
	sched, err := c.mgr.Store().Schedules().ByOperation(ctx, operationID)
	if err != nil {
		return false, err
	}
	if sched.Terminal() {
		return sched.State == domain.ScheduleCompleted, nil
	}
	items, err := c.mgr.Store().Items().List(ctx, ports.ItemFilter{OperationID: operationID})
	if err != nil {
		return false, err
	}
	var executed, live int
	for _, item := range items {
		switch item.Status {
		case domain.StatusExecuted:
			executed++
		case domain.StatusRejected:
			// Audit leftovers from review rounds.
		default:
			live++
		}
	}
	if live > 0 || executed == 0 {
		return false, nil
	}

	now := c.mgr.Now()
	closed, err := c.mgr.Store().Schedules().UpdateIf(ctx, sched.ID, domain.ScheduleActive,
		func(s *domain.Schedule) error {
			if err := s.Apply(domain.ScheduleActionComplete, "all items executed", now); err != nil {
				return err
			}
			s.CompletedAt = &now
			return nil
		})
	if err != nil {
		return false, err
	}
	if !closed {
		return false, nil
	}
	c.logger.Info("schedule completed",
		"schedule_id", sched.ID,
		"operation_id", operationID,
		"executed", executed)
	c.publish(ctx, bus.Event{
		Type:        bus.EventScheduleClosed,
		OperationID: operationID,
		ScheduleID:  sched.ID,
		State:       string(domain.ScheduleCompleted),
	})
	return true, nil
}

// Pause suspends an active schedule. Paused items are skipped by the
// executors but keep their stamped times.
func (c *Coordinator) Pause(ctx context.Context, operationID, reason string) error {
	return c.apply(ctx, operationID, domain.ScheduleActive, domain.ScheduleActionPause, reason)
}

// Resume reactivates a paused schedule.
func (c *Coordinator) Resume(ctx context.Context, operationID, reason string) error {
	return c.apply(ctx, operationID, domain.SchedulePaused, domain.ScheduleActionResume, reason)
}

// Cancel closes the schedule and rejects its unexecuted items. Already
// executed items keep their results.
func (c *Coordinator) Cancel(ctx context.Context, operationID, reason string) error {
	sched, err := c.mgr.Store().Schedules().ByOperation(ctx, operationID)
	if err != nil {
		return err
	}
	now := c.mgr.Now()
	ok, err := c.mgr.Store().Schedules().UpdateIf(ctx, sched.ID, sched.State,
		func(s *domain.Schedule) error {
			return s.Apply(domain.ScheduleActionCancel, reason, now)
		})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cancel schedule %s: state changed concurrently", sched.ID)
	}
	items, err := c.mgr.Store().Items().List(ctx, ports.ItemFilter{
		OperationID: operationID,
		Statuses:    []domain.Status{domain.StatusScheduled, domain.StatusApproved, domain.StatusPending},
	})
	if err != nil {
		return err
	}
	for _, item := range items {
		if _, err := c.mgr.Store().Items().UpdateIf(ctx, item.ID, item.Status,
			func(it *domain.Item) error {
				if err := it.Transition(domain.StateCancelled, reason, now); err != nil {
					return err
				}
				it.SetStatus(domain.StatusRejected, reason, now)
				return nil
			}); err != nil {
			return err
		}
	}
	c.publish(ctx, bus.Event{
		Type:        bus.EventScheduleClosed,
		OperationID: operationID,
		ScheduleID:  sched.ID,
		State:       string(domain.ScheduleCancelled),
		Reason:      reason,
	})
	return nil
}

func (c *Coordinator) apply(ctx context.Context, operationID string, expect domain.ScheduleState, action domain.ScheduleAction, reason string) error {
	sched, err := c.mgr.Store().Schedules().ByOperation(ctx, operationID)
	if err != nil {
		return err
	}
	now := c.mgr.Now()
	ok, err := c.mgr.Store().Schedules().UpdateIf(ctx, sched.ID, expect,
		func(s *domain.Schedule) error {
			return s.Apply(action, reason, now)
		})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("schedule %s: %s requires state %s", sched.ID, action, expect)
	}
	c.logger.Info("schedule transition",
		"schedule_id", sched.ID,
		"action", action,
		"reason", reason)
	return nil
}

func (c *Coordinator) publish(ctx context.Context, ev bus.Event) {
	ev.At = c.mgr.Now()
	if err := c.pub.Publish(ctx, ev); err != nil {
		c.logger.Warn("event publish failed", "type", ev.Type, "err", err)
	}
}
