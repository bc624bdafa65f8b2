// Package testutils provides scripted fakes for the engine's external
// collaborators (classifier, tool, condition source) plus a controllable
// clock. Fakes record their calls so tests can assert interaction counts.
package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at the given instant.
func NewClock(at time.Time) *Clock {
	return &Clock{now: at}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Classifier replays scripted decisions in order. When the script runs out it
// keeps returning the last decision.
type Classifier struct {
	mu        sync.Mutex
	Decisions []*domain.Decision
	Err       error
	Calls     int
}

func (c *Classifier) Classify(ctx context.Context, userText string, items []*domain.Item) (*domain.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if c.Err != nil {
		return nil, c.Err
	}
	if len(c.Decisions) == 0 {
		return &domain.Decision{Action: "awaiting_input"}, nil
	}
	d := c.Decisions[0]
	if len(c.Decisions) > 1 {
		c.Decisions = c.Decisions[1:]
	}
	return d, nil
}

// Tool is a scripted ports.Tool. Zero value generates "<topic> #n" drafts and
// succeeds every execution.
type Tool struct {
	mu sync.Mutex

	KindName string
	Caps     ports.Capabilities

	Analysis    *domain.CommandAnalysis
	AnalyzeErr  error
	GenerateErr error
	ExecuteErr  error

	// ExecuteFails makes ExecuteScheduled return an unsuccessful result.
	ExecuteFails bool

	Executed []string // item ids, in execution order
}

func (f *Tool) Kind() string {
	if f.KindName == "" {
		return "fake"
	}
	return f.KindName
}

func (f *Tool) Capabilities() ports.Capabilities { return f.Caps }

func (f *Tool) AnalyzeCommand(ctx context.Context, command string) (*domain.CommandAnalysis, error) {
	if f.AnalyzeErr != nil {
		return nil, f.AnalyzeErr
	}
	if f.Analysis != nil {
		return f.Analysis, nil
	}
	return &domain.CommandAnalysis{Topic: command, ItemCount: 1}, nil
}

func (f *Tool) GenerateContent(ctx context.Context, topic string, count int) ([]domain.ItemDraft, error) {
	if f.GenerateErr != nil {
		return nil, f.GenerateErr
	}
	drafts := make([]domain.ItemDraft, count)
	for i := range drafts {
		drafts[i] = domain.ItemDraft{Raw: fmt.Sprintf("%s #%d", topic, i+1)}
	}
	return drafts, nil
}

func (f *Tool) ExecuteScheduled(ctx context.Context, item *domain.Item) (*domain.ExecutionResult, error) {
	f.mu.Lock()
	f.Executed = append(f.Executed, item.ID)
	f.mu.Unlock()
	if f.ExecuteErr != nil {
		return nil, f.ExecuteErr
	}
	if f.ExecuteFails {
		return &domain.ExecutionResult{Success: false, Error: "execution rejected"}, nil
	}
	return &domain.ExecutionResult{Success: true, Result: map[string]any{"ok": true}}, nil
}

// ExecutedCount returns how many executions the tool has seen.
func (f *Tool) ExecutedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Executed)
}

// ConditionSource returns a settable value, e.g. a fake price feed.
type ConditionSource struct {
	mu    sync.Mutex
	value float64
	err   error
	Calls int
}

// NewConditionSource starts the source at the given value.
func NewConditionSource(value float64) *ConditionSource {
	return &ConditionSource{value: value}
}

// Set replaces the current value.
func (s *ConditionSource) Set(value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	s.err = nil
}

// Fail makes subsequent reads return err.
func (s *ConditionSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *ConditionSource) CurrentValue(ctx context.Context, item *domain.Item) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.value, nil
}
