// Package memory implements ports.Store in process memory.
// Safe for concurrent use; every read returns an isolated copy.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
)

// Store holds the three collections behind a single mutex. A document database
// would give per-document atomicity; one lock over everything is strictly
// stronger and keeps the CAS semantics honest.
type Store struct {
	mu         sync.RWMutex
	operations map[string]*domain.Operation
	items      map[string]*domain.Item
	schedules  map[string]*domain.Schedule
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		operations: make(map[string]*domain.Operation),
		items:      make(map[string]*domain.Item),
		schedules:  make(map[string]*domain.Schedule),
	}
}

func (s *Store) Operations() ports.OperationStore { return (*operationStore)(s) }
func (s *Store) Items() ports.ItemStore           { return (*itemStore)(s) }
func (s *Store) Schedules() ports.ScheduleStore   { return (*scheduleStore)(s) }

type operationStore Store

func (s *operationStore) Insert(ctx context.Context, op *domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.operations {
		if existing.SessionID == op.SessionID && !existing.Terminal() {
			return domain.ErrActiveOperationExists
		}
	}
	s.operations[op.ID] = op.Clone()
	return nil
}

func (s *operationStore) Get(ctx context.Context, id string) (*domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operations[id]
	if !ok {
		return nil, domain.ErrOperationNotFound
	}
	return op.Clone(), nil
}

func (s *operationStore) ActiveBySession(ctx context.Context, sessionID string) (*domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, op := range s.operations {
		if op.SessionID == sessionID && !op.Terminal() {
			return op.Clone(), nil
		}
	}
	return nil, domain.ErrOperationNotFound
}

func (s *operationStore) Update(ctx context.Context, op *domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[op.ID]; !ok {
		return domain.ErrOperationNotFound
	}
	s.operations[op.ID] = op.Clone()
	return nil
}

type itemStore Store

func (s *itemStore) InsertMany(ctx context.Context, items []*domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.items[item.ID] = item.Clone()
	}
	return nil
}

func (s *itemStore) Get(ctx context.Context, id string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	return item.Clone(), nil
}

func (s *itemStore) List(ctx context.Context, filter ports.ItemFilter) ([]*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Item
	for _, item := range s.items {
		if matches(item, filter) {
			out = append(out, item.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (s *itemStore) Update(ctx context.Context, item *domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return domain.ErrItemNotFound
	}
	s.items[item.ID] = item.Clone()
	return nil
}

func (s *itemStore) UpdateIf(ctx context.Context, id string, expect domain.Status, apply func(*domain.Item) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return false, domain.ErrItemNotFound
	}
	if item.Status != expect {
		return false, nil
	}
	updated := item.Clone()
	if err := apply(updated); err != nil {
		return false, err
	}
	s.items[id] = updated
	return true, nil
}

func matches(item *domain.Item, f ports.ItemFilter) bool {
	if f.OperationID != "" && item.OperationID != f.OperationID {
		return false
	}
	if len(f.States) > 0 && !containsState(f.States, item.State) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, item.Status) {
		return false
	}
	if f.Mode != "" && item.Params.Mode != f.Mode {
		return false
	}
	if f.DueBefore != nil {
		if item.ScheduledAt == nil || item.ScheduledAt.After(*f.DueBefore) {
			return false
		}
	}
	return true
}

func containsState(states []domain.State, s domain.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func containsStatus(statuses []domain.Status, s domain.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

type scheduleStore Store

func (s *scheduleStore) Insert(ctx context.Context, sched *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.ID] = sched.Clone()
	return nil
}

func (s *scheduleStore) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	return sched.Clone(), nil
}

func (s *scheduleStore) ByOperation(ctx context.Context, operationID string) (*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sched := range s.schedules {
		if sched.OperationID == operationID {
			return sched.Clone(), nil
		}
	}
	return nil, domain.ErrScheduleNotFound
}

func (s *scheduleStore) Update(ctx context.Context, sched *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sched.ID]; !ok {
		return domain.ErrScheduleNotFound
	}
	s.schedules[sched.ID] = sched.Clone()
	return nil
}

func (s *scheduleStore) UpdateIf(ctx context.Context, id string, expect domain.ScheduleState, apply func(*domain.Schedule) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return false, domain.ErrScheduleNotFound
	}
	if sched.State != expect {
		return false, nil
	}
	updated := sched.Clone()
	if err := apply(updated); err != nil {
		return false, err
	}
	s.schedules[id] = updated
	return true, nil
}
