package ports

import (
	"context"

	"github.com/amberflow/stagehand/pkg/domain"
)

// Capabilities is the declarative descriptor a tool exposes to the dispatcher.
type Capabilities struct {
	ContentType        string
	RequiresApproval   bool
	RequiresScheduling bool
}

// Tool is the contract every pluggable tool implements. The engine never calls
// external APIs directly; content generation and execution both go through here.
type Tool interface {
	// Kind is the registry key ("tweet", "limit_order", "calendar", ...).
	Kind() string

	// Capabilities returns the tool's declarative flags.
	Capabilities() Capabilities

	// AnalyzeCommand extracts topic, item count and schedule parameters from
	// the user's free-form command.
	AnalyzeCommand(ctx context.Context, command string) (*domain.CommandAnalysis, error)

	// GenerateContent produces count drafts about the topic.
	GenerateContent(ctx context.Context, topic string, count int) ([]domain.ItemDraft, error)

	// ExecuteScheduled performs the item's side effect (post the tweet, submit
	// the swap). The engine records the result; retries are the tool's business.
	ExecuteScheduled(ctx context.Context, item *domain.Item) (*domain.ExecutionResult, error)
}

// Classifier turns the user's free-form review response into a structured
// decision about the presented items.
type Classifier interface {
	Classify(ctx context.Context, userText string, items []*domain.Item) (*domain.Decision, error)
}

// ConditionSource is the external oracle the monitoring loop queries for
// monitored items (e.g. a price feed).
type ConditionSource interface {
	// CurrentValue returns the present value of the watched quantity for the
	// item (e.g. the best available price for its token pair).
	CurrentValue(ctx context.Context, item *domain.Item) (float64, error)
}

// ExecutabilityChecker is an optional ConditionSource extension for oracles
// that can also tell whether firing the item would go through right now
// (funds available, market open). A negative answer is not a failure: the
// monitoring loop stamps a warning on the item and keeps watching.
type ExecutabilityChecker interface {
	// Executable reports whether the item's side effect could currently be
	// performed; reason explains a false result.
	Executable(ctx context.Context, item *domain.Item) (ok bool, reason string, err error)
}
