package middleware

import (
	"context"
	"regexp"

	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
)

// maskValue replaces matched values at rest.
const maskValue = "***"

// NewPIIMiddleware creates a middleware that masks values of map keys
// matching the patterns before they are persisted: operation input params
// and metadata, item params and metadata. Reads return the masked values;
// masking is one-way.
func NewPIIMiddleware(patternStrings []string) Middleware {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		patterns[i] = regexp.MustCompile(p)
	}
	return func(next ports.Store) ports.Store {
		return &maskedStore{next: next, patterns: patterns}
	}
}

type maskedStore struct {
	next     ports.Store
	patterns []*regexp.Regexp
}

func (s *maskedStore) Operations() ports.OperationStore {
	return &maskedOperations{next: s.next.Operations(), patterns: s.patterns}
}

func (s *maskedStore) Items() ports.ItemStore {
	return &maskedItems{next: s.next.Items(), patterns: s.patterns}
}

func (s *maskedStore) Schedules() ports.ScheduleStore { return s.next.Schedules() }

type maskedOperations struct {
	next     ports.OperationStore
	patterns []*regexp.Regexp
}

func (s *maskedOperations) Insert(ctx context.Context, op *domain.Operation) error {
	return s.next.Insert(ctx, maskOperation(op, s.patterns))
}

func (s *maskedOperations) Update(ctx context.Context, op *domain.Operation) error {
	return s.next.Update(ctx, maskOperation(op, s.patterns))
}

func (s *maskedOperations) Get(ctx context.Context, id string) (*domain.Operation, error) {
	return s.next.Get(ctx, id)
}

func (s *maskedOperations) ActiveBySession(ctx context.Context, sessionID string) (*domain.Operation, error) {
	return s.next.ActiveBySession(ctx, sessionID)
}

type maskedItems struct {
	next     ports.ItemStore
	patterns []*regexp.Regexp
}

func (s *maskedItems) InsertMany(ctx context.Context, items []*domain.Item) error {
	masked := make([]*domain.Item, len(items))
	for i, item := range items {
		masked[i] = maskItem(item, s.patterns)
	}
	return s.next.InsertMany(ctx, masked)
}

func (s *maskedItems) Update(ctx context.Context, item *domain.Item) error {
	return s.next.Update(ctx, maskItem(item, s.patterns))
}

func (s *maskedItems) Get(ctx context.Context, id string) (*domain.Item, error) {
	return s.next.Get(ctx, id)
}

func (s *maskedItems) List(ctx context.Context, filter ports.ItemFilter) ([]*domain.Item, error) {
	return s.next.List(ctx, filter)
}

func (s *maskedItems) UpdateIf(ctx context.Context, id string, expect domain.Status, apply func(*domain.Item) error) (bool, error) {
	return s.next.UpdateIf(ctx, id, expect, func(item *domain.Item) error {
		if err := apply(item); err != nil {
			return err
		}
		masked := maskItem(item, s.patterns)
		*item = *masked
		return nil
	})
}

// Helpers

func maskOperation(op *domain.Operation, patterns []*regexp.Regexp) *domain.Operation {
	// Clone to avoid side effects on the in-memory value used by the engine.
	masked := op.Clone()
	maskMap(masked.Input.Params, patterns)
	maskMap(masked.Metadata.Extra, patterns)
	return masked
}

func maskItem(item *domain.Item, patterns []*regexp.Regexp) *domain.Item {
	masked := item.Clone()
	maskMap(masked.Params.Extra, patterns)
	maskMap(masked.Metadata, patterns)
	return masked
}

func maskMap(m map[string]any, patterns []*regexp.Regexp) {
	for k, v := range m {
		// Clone shares nested maps; mask a copy so the caller's value
		// is untouched.
		if subMap, ok := v.(map[string]any); ok {
			cp := make(map[string]any, len(subMap))
			for k2, v2 := range subMap {
				cp[k2] = v2
			}
			maskMap(cp, patterns)
			m[k] = cp
			continue
		}
		for _, p := range patterns {
			if p.MatchString(k) {
				m[k] = maskValue
				break
			}
		}
	}
}
