package stagehand

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/amberflow/stagehand/internal/approval"
	"github.com/amberflow/stagehand/internal/dispatch"
	"github.com/amberflow/stagehand/internal/lifecycle"
	"github.com/amberflow/stagehand/internal/logging"
	"github.com/amberflow/stagehand/internal/metrics"
	"github.com/amberflow/stagehand/internal/monitor"
	"github.com/amberflow/stagehand/internal/schedule"
	"github.com/amberflow/stagehand/pkg/adapters/memory"
	"github.com/amberflow/stagehand/pkg/bus"
	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/persistence/middleware"
	"github.com/amberflow/stagehand/pkg/ports"
	"github.com/amberflow/stagehand/pkg/registry"
	"github.com/amberflow/stagehand/pkg/session"
)

// Engine is the high-level entry point for the library. It wraps the internal
// coordinators and background loops behind a single message-driven API.
type Engine struct {
	store      ports.Store
	classifier ports.Classifier
	source     ports.ConditionSource
	pub        bus.Publisher
	logger     *slog.Logger
	promReg    prometheus.Registerer
	clock      func() time.Time

	executorTick time.Duration
	monitorTick  time.Duration

	locker  ports.DistributedLocker
	storeMW []middleware.Middleware

	tools      *registry.Registry
	guard      *session.Guard
	mgr        *lifecycle.Manager
	approvals  *approval.Coordinator
	schedules  *schedule.Coordinator
	executor   *schedule.Executor
	monitoring *monitor.Loop
	dispatcher *dispatch.Dispatcher
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithStore injects a persistence backend; the default is in-memory.
func WithStore(store ports.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithStoreMiddleware wraps the persistence layer with the given decorators
// (encryption at rest, PII masking), outermost first. Applied after the store
// is resolved, so it composes with both the default in-memory store and an
// injected backend.
func WithStoreMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) { e.storeMW = append(e.storeMW, mws...) }
}

// WithClassifier sets the response classifier used during approval flows.
// Defaults to the built-in keyword classifier.
func WithClassifier(c ports.Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithConditionSource sets the external value source monitored items are
// checked against. Without one the monitoring loop is disabled.
func WithConditionSource(s ports.ConditionSource) Option {
	return func(e *Engine) { e.source = s }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p bus.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetricsRegistry registers the engine's collectors on reg.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.promReg = reg }
}

// WithSessionLocker serializes a session's messages across engine replicas
// sharing a store; within one process they are serialized regardless.
func WithSessionLocker(l ports.DistributedLocker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// WithExecutorTick sets the schedule executor's scan interval.
func WithExecutorTick(d time.Duration) Option {
	return func(e *Engine) { e.executorTick = d }
}

// WithMonitorTick sets the monitoring loop's scan interval.
func WithMonitorTick(d time.Duration) Option {
	return func(e *Engine) { e.monitorTick = d }
}

// New initializes an Engine. Tools are registered afterwards via RegisterTool.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		store:        memory.New(),
		classifier:   NewKeywordClassifier(),
		pub:          bus.Nop(),
		logger:       logging.NewNop(),
		clock:        time.Now,
		executorTick: schedule.DefaultExecutorTick,
		monitorTick:  monitor.DefaultTick,
		tools:        registry.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		return nil, fmt.Errorf("stagehand: nil store")
	}
	for i := len(e.storeMW) - 1; i >= 0; i-- {
		e.store = e.storeMW[i](e.store)
	}

	mx := metrics.New(e.promReg)
	e.mgr = lifecycle.NewManager(e.store,
		lifecycle.WithLogger(e.logger),
		lifecycle.WithPublisher(e.pub),
		lifecycle.WithMetrics(mx),
		lifecycle.WithClock(e.clock),
	)
	e.approvals = approval.NewCoordinator(e.mgr, e.classifier,
		approval.WithLogger(e.logger),
		approval.WithMetrics(mx),
	)
	e.schedules = schedule.NewCoordinator(e.mgr,
		schedule.WithLogger(e.logger),
		schedule.WithPublisher(e.pub),
		schedule.WithMetrics(mx),
	)
	e.executor = schedule.NewExecutor(e.mgr, e.schedules, e.tools,
		schedule.WithExecutorTick(e.executorTick),
		schedule.WithExecutorLogger(e.logger),
		schedule.WithExecutorPublisher(e.pub),
		schedule.WithExecutorMetrics(mx),
	)
	if e.source != nil {
		e.monitoring = monitor.NewLoop(e.mgr, e.tools, e.source,
			monitor.WithTick(e.monitorTick),
			monitor.WithLogger(e.logger),
			monitor.WithPublisher(e.pub),
			monitor.WithMetrics(mx),
		)
	}
	e.dispatcher = dispatch.New(e.mgr, e.approvals, e.schedules, e.tools,
		dispatch.WithLogger(e.logger),
	)
	guardOpts := []session.Option{session.WithLogger(e.logger)}
	if e.locker != nil {
		guardOpts = append(guardOpts, session.WithLocker(e.locker))
	}
	e.guard = session.NewGuard(guardOpts...)
	return e, nil
}

// RegisterTool adds a tool to the dispatch registry.
func (e *Engine) RegisterTool(tool ports.Tool) { e.tools.Register(tool) }

// ToolKinds returns the registered tool kinds, sorted.
func (e *Engine) ToolKinds() []string { return e.tools.Kinds() }

// Reply is what a handled message produces for the chat layer.
type Reply struct {
	Text        string `json:"text"`
	OperationID string `json:"operation_id"`
	Ended       bool   `json:"ended"`
}

// Handle processes one user message for the session. toolKind selects the
// tool when the message opens a new operation; a session with an active
// operation continues it regardless of toolKind. Messages for the same
// session are serialized, across replicas too when a distributed locker is
// configured.
func (e *Engine) Handle(ctx context.Context, sessionID, toolKind, text string) (*Reply, error) {
	var r *dispatch.Reply
	err := e.guard.WithLock(ctx, sessionID, func(ctx context.Context) error {
		var err error
		r, err = e.dispatcher.Handle(ctx, sessionID, toolKind, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Reply{Text: r.Text, OperationID: r.OperationID, Ended: r.Ended}, nil
}

// Operation retrieves an operation by id.
func (e *Engine) Operation(ctx context.Context, id string) (*domain.Operation, error) {
	return e.mgr.Get(ctx, id)
}

// ActiveOperation returns the session's non-terminal operation, if any.
func (e *Engine) ActiveOperation(ctx context.Context, sessionID string) (*domain.Operation, error) {
	return e.mgr.Active(ctx, sessionID)
}

// Items lists an operation's items in creation order.
func (e *Engine) Items(ctx context.Context, operationID string) ([]*domain.Item, error) {
	return e.mgr.Items(ctx, operationID)
}

// Schedule returns an operation's schedule.
func (e *Engine) Schedule(ctx context.Context, operationID string) (*domain.Schedule, error) {
	return e.store.Schedules().ByOperation(ctx, operationID)
}

// PauseSchedule suspends an operation's active schedule.
func (e *Engine) PauseSchedule(ctx context.Context, operationID string) error {
	return e.schedules.Pause(ctx, operationID, "paused by host")
}

// ResumeSchedule reactivates a paused schedule.
func (e *Engine) ResumeSchedule(ctx context.Context, operationID string) error {
	return e.schedules.Resume(ctx, operationID, "resumed by host")
}

// CancelSchedule closes a schedule and rejects its unexecuted items.
func (e *Engine) CancelSchedule(ctx context.Context, operationID string) error {
	return e.schedules.Cancel(ctx, operationID, "cancelled by host")
}

// Run starts the background loops (schedule executor and, when a condition
// source is configured, the monitoring loop) and blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.monitoring == nil {
		return e.executor.Run(ctx)
	}
	done := make(chan error, 2)
	go func() { done <- e.executor.Run(ctx) }()
	go func() { done <- e.monitoring.Run(ctx) }()
	err := <-done
	<-done
	return err
}

// TickExecutor runs one schedule executor scan. Hosts embedding the engine in
// their own scheduler can step the loops manually instead of calling Run.
func (e *Engine) TickExecutor(ctx context.Context) { e.executor.Tick(ctx) }

// TickMonitor runs one monitoring scan. No-op without a condition source.
func (e *Engine) TickMonitor(ctx context.Context) {
	if e.monitoring != nil {
		e.monitoring.Tick(ctx)
	}
}

// KeywordClassifier is the zero-dependency response classifier: it maps plain
// approval phrasing to decisions and extracts item numbers from the text.
// Production hosts replace it with an LLM-backed implementation.
type KeywordClassifier struct{}

// NewKeywordClassifier creates a KeywordClassifier.
func NewKeywordClassifier() *KeywordClassifier { return &KeywordClassifier{} }

func (KeywordClassifier) Classify(ctx context.Context, userText string, items []*domain.Item) (*domain.Decision, error) {
	text := strings.ToLower(strings.TrimSpace(userText))
	switch {
	case text == "":
		return &domain.Decision{Action: string(domain.ActionAwaitingInput)}, nil
	case containsAny(text, "exit", "cancel", "stop", "quit", "never mind"):
		return &domain.Decision{Action: string(domain.ActionExit)}, nil
	case containsAny(text, "regenerate", "redo", "rewrite", "try again"):
		return &domain.Decision{Action: string(domain.ActionRegenerateAll)}, nil
	}

	approved := numbersIn(text, len(items))
	if containsAny(text, "approve", "yes", "looks good", "lgtm", "send", "go ahead", "ok") {
		if len(approved) > 0 && len(approved) < len(items) {
			return &domain.Decision{
				Action:          string(domain.ActionPartialApproval),
				ApprovedIndices: approved,
			}, nil
		}
		return &domain.Decision{Action: string(domain.ActionFullApproval)}, nil
	}
	return &domain.Decision{Action: string(domain.ActionAwaitingInput)}, nil
}

func containsAny(text string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// numbersIn extracts one-based item references ("approve 1 and 3") up to n.
func numbersIn(text string, n int) []int {
	var out []int
	for i := 1; i <= n; i++ {
		needle := fmt.Sprintf("%d", i)
		for _, field := range strings.FieldsFunc(text, func(r rune) bool {
			return r < '0' || r > '9'
		}) {
			if field == needle {
				out = append(out, i)
				break
			}
		}
	}
	return out
}
