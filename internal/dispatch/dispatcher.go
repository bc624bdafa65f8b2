// Package dispatch is the engine's front door. One call per inbound user
// message: the dispatcher routes it to "start a new operation" or "continue
// the active one", consults the tool registry for capabilities, and drives
// the generation -> approval -> scheduling pipeline until the turn needs user
// input or the operation closes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/amberflow/stagehand/internal/approval"
	"github.com/amberflow/stagehand/internal/lifecycle"
	"github.com/amberflow/stagehand/internal/logging"
	"github.com/amberflow/stagehand/internal/schedule"
	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/registry"
)

// completionMode is the single place deciding what happens to an operation
// once its content exists, as a pure function of the two capability flags.
type completionMode int

const (
	// waitForApproval presents the items and suspends until the user replies.
	waitForApproval completionMode = iota
	// activateAndDetach approves everything, activates the schedule and closes
	// the operation; the background executors own the items from here.
	activateAndDetach
	// executeAndComplete runs every item in-turn and closes the operation.
	executeAndComplete
)

func completionPolicy(requiresApproval, requiresScheduling bool) completionMode {
	switch {
	case requiresApproval:
		return waitForApproval
	case requiresScheduling:
		return activateAndDetach
	default:
		return executeAndComplete
	}
}

// Reply is what the dispatcher hands back to the chat layer.
type Reply struct {
	Text        string
	OperationID string
	// Ended is true when the turn left no active operation in the session.
	Ended bool
}

// Dispatcher routes inbound messages.
type Dispatcher struct {
	mgr      *lifecycle.Manager
	approval *approval.Coordinator
	schedule *schedule.Coordinator
	tools    *registry.Registry
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a Dispatcher.
func New(mgr *lifecycle.Manager, ac *approval.Coordinator, sc *schedule.Coordinator, tools *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		mgr:      mgr,
		approval: ac,
		schedule: sc,
		tools:    tools,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle processes one user message for the session. toolKind selects the
// tool when the message opens a new operation; a session with an active
// operation continues it regardless of toolKind.
func (d *Dispatcher) Handle(ctx context.Context, sessionID, toolKind, text string) (*Reply, error) {
	op, err := d.mgr.Active(ctx, sessionID)
	switch {
	case err == nil:
		return d.continueOperation(ctx, op, text)
	case errors.Is(err, domain.ErrOperationNotFound):
		return d.startOperation(ctx, sessionID, toolKind, text)
	default:
		return nil, fmt.Errorf("dispatch: %w", err)
	}
}

func (d *Dispatcher) startOperation(ctx context.Context, sessionID, toolKind, text string) (*Reply, error) {
	tool, err := d.tools.Lookup(toolKind)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	caps := tool.Capabilities()

	analysis, err := tool.AnalyzeCommand(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("analyze command: %w", err)
	}
	count := analysis.ItemCount
	if count <= 0 {
		count = 1
	}

	op, err := d.mgr.StartOperation(ctx, lifecycle.StartRequest{
		SessionID:          sessionID,
		ToolKind:           toolKind,
		Command:            text,
		RequiresApproval:   caps.RequiresApproval,
		RequiresScheduling: caps.RequiresScheduling,
		ExpectedItemCount:  count,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	plan := domain.SchedulePlan{Kind: domain.KindImmediate}
	if caps.RequiresScheduling {
		plan, err = decodePlan(analysis.SchedulePlan)
		if err != nil {
			return d.fail(ctx, op, fmt.Errorf("schedule plan: %w", err))
		}
		if _, err := d.schedule.Initialize(ctx, op, plan); err != nil {
			return d.fail(ctx, op, err)
		}
	}
	if _, err = d.mgr.UpdateOperation(ctx, op.ID, lifecycle.Update{
		SessionID: sessionID,
		Extra:     map[string]any{"topic": analysis.Topic, "round": 1},
	}); err != nil {
		return d.fail(ctx, op, err)
	}

	drafts, err := tool.GenerateContent(ctx, analysis.Topic, count)
	if err != nil {
		return d.fail(ctx, op, fmt.Errorf("generate content: %w", err))
	}
	items, err := d.mgr.CreateItems(ctx, op, caps.ContentType, drafts, modeFor(plan.Kind))
	if err != nil {
		return d.fail(ctx, op, err)
	}

	switch completionPolicy(caps.RequiresApproval, caps.RequiresScheduling) {
	case waitForApproval:
		review, err := d.approval.StartFlow(ctx, op, items)
		if err != nil {
			return d.fail(ctx, op, err)
		}
		return &Reply{Text: review, OperationID: op.ID}, nil
	case activateAndDetach:
		op, err := d.mgr.Get(ctx, op.ID)
		if err != nil {
			return nil, err
		}
		return d.detach(ctx, op, items)
	default:
		op, err := d.mgr.Get(ctx, op.ID)
		if err != nil {
			return nil, err
		}
		return d.executeNow(ctx, op, items)
	}
}

func (d *Dispatcher) continueOperation(ctx context.Context, op *domain.Operation, text string) (*Reply, error) {
	switch op.State {
	case domain.StateApproving:
		return d.continueApproval(ctx, op, text)
	case domain.StateCollecting, domain.StateExecuting:
		if isExitText(text) {
			return d.cancel(ctx, op)
		}
		return &Reply{
			Text:        d.statusLine(ctx, op),
			OperationID: op.ID,
		}, nil
	default:
		return nil, fmt.Errorf("dispatch: operation %s in unexpected state %s", op.ID, op.State)
	}
}

func (d *Dispatcher) continueApproval(ctx context.Context, op *domain.Operation, text string) (*Reply, error) {
	out, err := d.approval.ProcessResponse(ctx, op, text)
	if err != nil {
		return nil, err
	}
	switch out.Action {
	case domain.ActionFullApproval:
		op, err := d.mgr.Get(ctx, op.ID)
		if err != nil {
			return nil, err
		}
		if op.RequiresScheduling {
			return d.detachApproved(ctx, op)
		}
		return d.executeNow(ctx, op, out.Approved)
	case domain.ActionPartialApproval, domain.ActionRegenerateAll:
		return d.regenerate(ctx, op, out)
	default:
		return &Reply{
			Text:        out.Response,
			OperationID: op.ID,
			Ended:       out.Ended,
		}, nil
	}
}

// regenerate produces replacement drafts for the rejected count and opens a
// fresh review round.
func (d *Dispatcher) regenerate(ctx context.Context, op *domain.Operation, out *approval.Outcome) (*Reply, error) {
	tool, err := d.tools.Lookup(op.ToolKind)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	fresh, err := d.mgr.Get(ctx, op.ID)
	if err != nil {
		return nil, err
	}

	topic, _ := fresh.Metadata.Extra["topic"].(string)
	round := extraInt(fresh.Metadata.Extra, "round") + 1

	drafts, err := tool.GenerateContent(ctx, topic, out.RegenerateCount)
	if err != nil {
		return d.fail(ctx, fresh, fmt.Errorf("generate content: %w", err))
	}
	items, err := d.mgr.CreateRegenerationItems(ctx, fresh, tool.Capabilities().ContentType, drafts, modeForOperation(fresh), round)
	if err != nil {
		return d.fail(ctx, fresh, err)
	}
	if _, err := d.mgr.UpdateOperation(ctx, fresh.ID, lifecycle.Update{
		SessionID: fresh.SessionID,
		Extra:     map[string]any{"round": round},
	}); err != nil {
		return d.fail(ctx, fresh, err)
	}

	review, err := d.approval.StartFlow(ctx, fresh, items)
	if err != nil {
		return d.fail(ctx, fresh, err)
	}
	text := review
	if out.Action == domain.ActionPartialApproval {
		text = out.Response + "\n\n" + review
	}
	return &Reply{Text: text, OperationID: fresh.ID}, nil
}

// detachApproved is the post-approval path for schedulable operations: the
// items are already approved, so activate and close.
func (d *Dispatcher) detachApproved(ctx context.Context, op *domain.Operation) (*Reply, error) {
	ok, err := d.schedule.Activate(ctx, op.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return d.fail(ctx, op, fmt.Errorf("schedule for operation %s would not activate", op.ID))
	}
	ended, err := d.mgr.EndOperation(ctx, op.ID, domain.StateCompleted, "handed to schedule")
	if err != nil {
		return nil, err
	}
	return &Reply{
		Text:        d.scheduleSummary(ended),
		OperationID: op.ID,
		Ended:       true,
	}, nil
}

// detach auto-approves items for non-approval schedulable tools, then
// follows the same activation path.
func (d *Dispatcher) detach(ctx context.Context, op *domain.Operation, items []*domain.Item) (*Reply, error) {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	if err := d.mgr.TransitionItems(ctx, ids, domain.StateExecuting, domain.StatusApproved, "auto-approved"); err != nil {
		return d.fail(ctx, op, err)
	}
	executing := domain.StateExecuting
	if _, err := d.mgr.UpdateOperation(ctx, op.ID, lifecycle.Update{
		SessionID: op.SessionID,
		State:     &executing,
		Reason:    "no approval required",
	}); err != nil {
		return d.fail(ctx, op, err)
	}
	return d.detachApproved(ctx, op)
}

// executeNow runs every approved item in-turn and closes the operation.
func (d *Dispatcher) executeNow(ctx context.Context, op *domain.Operation, items []*domain.Item) (*Reply, error) {
	tool, err := d.tools.Lookup(op.ToolKind)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if op.State == domain.StateCollecting {
		executing := domain.StateExecuting
		if _, err := d.mgr.UpdateOperation(ctx, op.ID, lifecycle.Update{
			SessionID: op.SessionID,
			State:     &executing,
			Reason:    "immediate execution",
		}); err != nil {
			return d.fail(ctx, op, err)
		}
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.ID
		}
		if err := d.mgr.TransitionItems(ctx, ids, domain.StateExecuting, domain.StatusApproved, "auto-approved"); err != nil {
			return d.fail(ctx, op, err)
		}
	}

	var failed int
	now := d.mgr.Now()
	for _, item := range items {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result, err := tool.ExecuteScheduled(ctx, item)
		if err != nil {
			result = &domain.ExecutionResult{Success: false, Error: err.Error()}
		}
		if !result.Success {
			failed++
		}
		if _, err := d.mgr.Store().Items().UpdateIf(ctx, item.ID, domain.StatusApproved,
			func(it *domain.Item) error {
				if result.Success {
					it.SetStatus(domain.StatusExecuted, "executed", now)
					it.ExecutedAt = &now
					it.Result = result.Result
					return nil
				}
				it.SetStatus(domain.StatusFailed, "execution failed", now)
				it.LastError = result.Error
				return nil
			}); err != nil {
			return nil, err
		}
	}

	if failed == len(items) && len(items) > 0 {
		ended, err := d.mgr.EndOperation(ctx, op.ID, domain.StateError, "every execution failed")
		if err != nil {
			return nil, err
		}
		return &Reply{
			Text:        fmt.Sprintf("All %d executions failed - nothing went out.", failed),
			OperationID: ended.ID,
			Ended:       true,
		}, nil
	}
	ended, err := d.mgr.EndOperation(ctx, op.ID, domain.StateCompleted, "executed immediately")
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("Done - %d items executed.", len(items)-failed)
	if failed > 0 {
		text = fmt.Sprintf("%d items executed, %d failed.", len(items)-failed, failed)
	}
	return &Reply{Text: text, OperationID: ended.ID, Ended: true}, nil
}

// cancel is the cooperative cancellation path: nothing in flight is
// interrupted, but no new step starts.
func (d *Dispatcher) cancel(ctx context.Context, op *domain.Operation) (*Reply, error) {
	if op.RequiresScheduling {
		if err := d.schedule.Cancel(ctx, op.ID, "user exit"); err != nil && !errors.Is(err, domain.ErrScheduleNotFound) {
			d.logger.Warn("schedule cancel failed", "operation_id", op.ID, "err", err)
		}
	}
	ended, err := d.mgr.EndOperation(ctx, op.ID, domain.StateCancelled, "user exit")
	if err != nil {
		return nil, err
	}
	return &Reply{
		Text:        "Okay, cancelled - nothing more will be executed.",
		OperationID: ended.ID,
		Ended:       true,
	}, nil
}

// fail converts an internal error into a terminal operation plus a wrapped
// error for the caller: the session must never be left holding a wedged
// active operation.
func (d *Dispatcher) fail(ctx context.Context, op *domain.Operation, cause error) (*Reply, error) {
	if _, err := d.mgr.EndOperation(ctx, op.ID, domain.StateError, cause.Error()); err != nil {
		d.logger.Error("failed to end operation after error",
			"operation_id", op.ID,
			"err", err)
	}
	return nil, fmt.Errorf("operation %s: %w", op.ID, cause)
}

func (d *Dispatcher) statusLine(ctx context.Context, op *domain.Operation) string {
	items, err := d.mgr.Items(ctx, op.ID)
	if err != nil {
		return fmt.Sprintf("Working on it - operation is %s.", op.State)
	}
	var executed int
	for _, it := range items {
		if it.Status == domain.StatusExecuted {
			executed++
		}
	}
	return fmt.Sprintf("Still in progress: %d of %d items executed. Say \"exit\" to cancel.", executed, len(items))
}

func (d *Dispatcher) scheduleSummary(op *domain.Operation) string {
	n := op.Metadata.Schedule.ScheduledItems
	if at := op.Metadata.Schedule.StartAt; at != nil {
		return fmt.Sprintf("Scheduled %d items; the first goes out at %s.", n, at.Format(time.RFC1123))
	}
	return fmt.Sprintf("Scheduled %d items.", n)
}

// isExitText is the coarse pre-classifier check for cancellation outside the
// approval flow, where no classifier runs.
func isExitText(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	switch t {
	case "exit", "cancel", "stop", "quit", "abort", "never mind", "nevermind":
		return true
	}
	return false
}

func modeFor(kind domain.ScheduleKind) domain.ExecutionMode {
	switch kind {
	case domain.KindMonitored:
		return domain.ModeMonitored
	case domain.KindImmediate:
		return domain.ModeImmediate
	default:
		return domain.ModeTimed
	}
}

func modeForOperation(op *domain.Operation) domain.ExecutionMode {
	if !op.RequiresScheduling {
		return domain.ModeImmediate
	}
	return domain.ModeTimed
}

// decodePlan converts a tool's loosely typed schedule parameters into the
// typed plan. Durations accept Go duration strings, timestamps RFC 3339.
func decodePlan(raw map[string]any) (domain.SchedulePlan, error) {
	plan := domain.SchedulePlan{Kind: domain.KindSpread}
	if len(raw) == 0 {
		return plan, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: &plan,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	})
	if err != nil {
		return plan, err
	}
	if err := dec.Decode(raw); err != nil {
		return plan, err
	}
	if plan.Kind == "" {
		plan.Kind = domain.KindSpread
	}
	return plan, nil
}

func extraInt(extra map[string]any, key string) int {
	switch v := extra[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 1
}
