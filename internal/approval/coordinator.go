// Package approval drives the human-review sub-protocol: presenting generated
// items, classifying the user's free-form response, and applying the resulting
// bulk transitions. It layers the approval states over StateApproving.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/amberflow/stagehand/internal/lifecycle"
	"github.com/amberflow/stagehand/internal/logging"
	"github.com/amberflow/stagehand/internal/metrics"
	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
)

// Coordinator runs approval flows on top of the lifecycle manager.
type Coordinator struct {
	mgr        *lifecycle.Manager
	classifier ports.Classifier
	logger     *slog.Logger
	metrics    *metrics.Metrics
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

// WithMetrics sets the Prometheus collectors.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(c *Coordinator) {
		if mx != nil {
			c.metrics = mx
		}
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(mgr *lifecycle.Manager, classifier ports.Classifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		mgr:        mgr,
		classifier: classifier,
		logger:     logging.NewNop(),
		metrics:    metrics.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartFlow moves the operation and the listed items into review and returns
// the formatted presentation text. Beyond the transitions it has no side
// effects; the caller owns delivering the text to the user.
func (c *Coordinator) StartFlow(ctx context.Context, op *domain.Operation, items []*domain.Item) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("start approval for operation %s: no items", op.ID)
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	if err := c.mgr.TransitionItems(ctx, ids, domain.StateApproving, domain.StatusPending, "awaiting review"); err != nil {
		return "", err
	}

	now := c.mgr.Now()
	approving := domain.StateApproving
	meta := op.Metadata.Approval
	meta.State = domain.ApprovalAwaitingApproval
	meta.PendingItemIDs = ids
	meta.TotalItems = meta.TotalItems + len(items)
	if meta.StartedAt == nil {
		meta.StartedAt = &now
	}
	op, err := c.mgr.UpdateOperation(ctx, op.ID, lifecycle.Update{
		State:    &approving,
		Reason:   "content ready for review",
		Step:     "awaiting_approval",
		Approval: &meta,
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("approval flow started",
		"operation_id", op.ID,
		"items", len(items))
	return FormatReview(items), nil
}

// FormatReview renders the numbered presentation of items plus the response
// menu. Numbering is one-based; classifier index normalization depends on it.
func FormatReview(items []*domain.Item) string {
	var b strings.Builder
	b.WriteString("Here is the generated content for your review:\n\n")
	for i, item := range items {
		text := item.Content.Formatted
		if text == "" {
			text = item.Content.Raw
		}
		if item.Content.Version > 1 {
			fmt.Fprintf(&b, "%d. %s (revised)\n", i+1, text)
		} else {
			fmt.Fprintf(&b, "%d. %s\n", i+1, text)
		}
	}
	b.WriteString("\nYou can:\n")
	b.WriteString("- approve all\n")
	b.WriteString("- approve specific ones (e.g. \"approve 1 and 3\")\n")
	b.WriteString("- ask me to regenerate any of them\n")
	b.WriteString("- exit to cancel\n")
	return b.String()
}

// Outcome reports what a processed response did and what to tell the user.
type Outcome struct {
	Action   domain.ApprovalAction
	Response string

	// Approved holds the items moved to EXECUTING/APPROVED, in presentation order.
	Approved []*domain.Item

	// RegenerateCount is how many replacement items the caller must generate.
	RegenerateCount int

	// Ended is true when the operation reached a terminal state.
	Ended bool
}

// ProcessResponse classifies the user's reply and applies the mapped action.
// awaiting_input and error outcomes mutate nothing; the caller re-prompts.
func (c *Coordinator) ProcessResponse(ctx context.Context, op *domain.Operation, userText string) (*Outcome, error) {
	if op.State != domain.StateApproving {
		return nil, fmt.Errorf("process response: operation %s is %s: %w",
			op.ID, op.State, domain.ErrInvalidTransition)
	}
	pending, err := c.pendingItems(ctx, op)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, fmt.Errorf("process response: operation %s has no items under review", op.ID)
	}

	decision, err := c.classifier.Classify(ctx, userText, pending)
	if err != nil {
		return nil, fmt.Errorf("classify response: %w", err)
	}
	action := domain.MapAction(decision.Action)
	c.metrics.Decisions.WithLabelValues(string(action)).Inc()
	c.logger.Info("response classified",
		"operation_id", op.ID,
		"decision", decision.Action,
		"action", action)

	switch action {
	case domain.ActionFullApproval:
		return c.approveAll(ctx, op, pending)
	case domain.ActionPartialApproval:
		return c.approveSome(ctx, op, pending, decision)
	case domain.ActionRegenerateAll:
		return c.regenerate(ctx, op, pending, 0, domain.ActionRegenerateAll)
	case domain.ActionExit:
		return c.exit(ctx, op)
	case domain.ActionAwaitingInput:
		return &Outcome{
			Action:   action,
			Response: "No problem - let me know how you'd like to proceed with the items above.",
		}, nil
	default:
		return &Outcome{
			Action:   domain.ActionError,
			Response: "I couldn't tell what you'd like to do. You can approve all, approve specific numbers, ask for a rewrite, or exit.",
		}, nil
	}
}

func (c *Coordinator) pendingItems(ctx context.Context, op *domain.Operation) ([]*domain.Item, error) {
	return c.mgr.Store().Items().List(ctx, ports.ItemFilter{
		OperationID: op.ID,
		States:      []domain.State{domain.StateApproving},
		Statuses:    []domain.Status{domain.StatusPending},
	})
}

func (c *Coordinator) approveAll(ctx context.Context, op *domain.Operation, pending []*domain.Item) (*Outcome, error) {
	ids := itemIDs(pending)
	if err := c.mgr.TransitionItems(ctx, ids, domain.StateExecuting, domain.StatusApproved, "approved"); err != nil {
		return nil, err
	}
	now := c.mgr.Now()
	executing := domain.StateExecuting
	meta := op.Metadata.Approval
	meta.State = domain.ApprovalFinished
	meta.PendingItemIDs = nil
	meta.ApprovedCount += len(pending)
	meta.LastAction = string(domain.ActionFullApproval)
	meta.CompletedAt = &now
	if _, err := c.mgr.UpdateOperation(ctx, op.ID, lifecycle.Update{
		State:    &executing,
		Reason:   "all items approved",
		Step:     "approved",
		Approval: &meta,
	}); err != nil {
		return nil, err
	}
	return &Outcome{
		Action:   domain.ActionFullApproval,
		Approved: pending,
		Response: fmt.Sprintf("All %d items approved.", len(pending)),
	}, nil
}

func (c *Coordinator) approveSome(ctx context.Context, op *domain.Operation, pending []*domain.Item, decision *domain.Decision) (*Outcome, error) {
	positions := domain.NormalizeIndices(decision.ApprovedIndices, len(pending))
	if len(positions) == 0 {
		return &Outcome{
			Action:   domain.ActionError,
			Response: "I couldn't match those numbers to the items above - could you repeat which ones to approve?",
		}, nil
	}
	if len(positions) == len(pending) {
		return c.approveAll(ctx, op, pending)
	}

	approved := make([]*domain.Item, 0, len(positions))
	inApproved := make(map[int]bool, len(positions))
	for _, pos := range positions {
		inApproved[pos] = true
		approved = append(approved, pending[pos])
	}
	rejected := make([]*domain.Item, 0, len(pending)-len(approved))
	for i, item := range pending {
		if !inApproved[i] {
			rejected = append(rejected, item)
		}
	}

	if err := c.mgr.TransitionItems(ctx, itemIDs(approved), domain.StateExecuting, domain.StatusApproved, "approved"); err != nil {
		return nil, err
	}
	outcome, err := c.regenerate(ctx, op, rejected, len(approved), domain.ActionPartialApproval)
	if err != nil {
		return nil, err
	}
	outcome.Action = domain.ActionPartialApproval
	outcome.Approved = approved
	outcome.Response = fmt.Sprintf("Approved %d items; regenerating %d.", len(approved), len(rejected))
	return outcome, nil
}

// regenerate retires the rejected items and rolls the operation back to
// collecting so the generator can produce replacements. Rejected items are
// terminal and stay in the store for audit; they are never reused.
func (c *Coordinator) regenerate(ctx context.Context, op *domain.Operation, rejected []*domain.Item, approvedDelta int, last domain.ApprovalAction) (*Outcome, error) {
	if err := c.mgr.TransitionItems(ctx, itemIDs(rejected), domain.StateCompleted, domain.StatusRejected, "rejected in review"); err != nil {
		return nil, err
	}
	collecting := domain.StateCollecting
	meta := op.Metadata.Approval
	meta.State = domain.ApprovalRegenerating
	meta.PendingItemIDs = nil
	meta.ApprovedCount += approvedDelta
	meta.RejectedCount += len(rejected)
	meta.LastAction = string(last)
	if _, err := c.mgr.UpdateOperation(ctx, op.ID, lifecycle.Update{
		State:    &collecting,
		Reason:   "regeneration requested",
		Step:     "regenerating",
		Approval: &meta,
	}); err != nil {
		return nil, err
	}
	return &Outcome{
		Action:          domain.ActionRegenerateAll,
		RegenerateCount: len(rejected),
		Response:        fmt.Sprintf("Regenerating %d items.", len(rejected)),
	}, nil
}

func (c *Coordinator) exit(ctx context.Context, op *domain.Operation) (*Outcome, error) {
	now := c.mgr.Now()
	meta := op.Metadata.Approval
	meta.State = domain.ApprovalCancelled
	meta.PendingItemIDs = nil
	meta.LastAction = string(domain.ActionExit)
	meta.CompletedAt = &now
	if _, err := c.mgr.UpdateOperation(ctx, op.ID, lifecycle.Update{Approval: &meta}); err != nil {
		return nil, err
	}
	if _, err := c.mgr.EndOperation(ctx, op.ID, domain.StateCancelled, "user exit"); err != nil {
		return nil, err
	}
	return &Outcome{
		Action:   domain.ActionExit,
		Ended:    true,
		Response: "Okay, cancelled - nothing was executed.",
	}, nil
}

func itemIDs(items []*domain.Item) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
