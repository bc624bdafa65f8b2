// Package redis implements ports.Store and ports.DistributedLocker on Redis.
// Documents are stored as JSON blobs; conditional writes use optimistic
// WATCH/MULTI transactions so a lost race surfaces as a failed guard, never a
// partial write.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	backend "github.com/redis/go-redis/v9"

	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
)

// casAttempts bounds optimistic-transaction retries before giving up.
const casAttempts = 5

// ErrCASContention is returned when a conditional write keeps losing the
// WATCH race. Callers treat it like any other store error.
var ErrCASContention = errors.New("conditional write contention")

// Store implements ports.Store using Redis.
type Store struct {
	client *backend.Client
	prefix string
}

// Option configures the Store.
type Option func(*Store)

// WithPrefix sets the key prefix for all documents.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a Redis store with its own client.
func New(address, password string, db int, opts ...Option) *Store {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(client, opts...)
}

// NewFromClient creates a Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: "stagehand:",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Locker returns a distributed locker sharing the store's client and prefix,
// for serializing sessions across engine replicas on this store.
func (s *Store) Locker() *Locker {
	return NewLocker(s.client, s.prefix)
}

func (s *Store) Operations() ports.OperationStore { return &operationStore{s} }
func (s *Store) Items() ports.ItemStore           { return &itemStore{s} }
func (s *Store) Schedules() ports.ScheduleStore   { return &scheduleStore{s} }

func (s *Store) opKey(id string) string        { return s.prefix + "op:" + id }
func (s *Store) sessionKey(id string) string   { return s.prefix + "session:" + id + ":ops" }
func (s *Store) itemKey(id string) string      { return s.prefix + "item:" + id }
func (s *Store) opItemsKey(id string) string   { return s.prefix + "op:" + id + ":items" }
func (s *Store) itemIndexKey() string          { return s.prefix + "items" }
func (s *Store) schedKey(id string) string     { return s.prefix + "sched:" + id }
func (s *Store) opSchedKey(opID string) string { return s.prefix + "op:" + opID + ":sched" }

func getJSON[T any](ctx context.Context, client *backend.Client, key string, notFound error) (*T, error) {
	val, err := client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, notFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var doc T
	if err := json.Unmarshal([]byte(val), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return &doc, nil
}

func setJSON(ctx context.Context, pipe backend.Cmdable, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	pipe.Set(ctx, key, data, 0)
	return nil
}

type operationStore struct{ s *Store }

func (o *operationStore) Insert(ctx context.Context, op *domain.Operation) error {
	s := o.s
	sessKey := s.sessionKey(op.SessionID)

	// Watch the session index so two concurrent starts cannot both pass the
	// single-active-operation check.
	txn := func(tx *backend.Tx) error {
		ids, err := tx.SMembers(ctx, sessKey).Result()
		if err != nil && !errors.Is(err, backend.Nil) {
			return err
		}
		for _, id := range ids {
			existing, err := getJSON[domain.Operation](ctx, s.client, s.opKey(id), domain.ErrOperationNotFound)
			if err != nil {
				if errors.Is(err, domain.ErrOperationNotFound) {
					continue
				}
				return err
			}
			if !existing.Terminal() {
				return domain.ErrActiveOperationExists
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			if err := setJSON(ctx, pipe, s.opKey(op.ID), op); err != nil {
				return err
			}
			pipe.SAdd(ctx, sessKey, op.ID)
			return nil
		})
		return err
	}

	for i := 0; i < casAttempts; i++ {
		err := s.client.Watch(ctx, txn, sessKey)
		if errors.Is(err, backend.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrCASContention
}

func (o *operationStore) Get(ctx context.Context, id string) (*domain.Operation, error) {
	return getJSON[domain.Operation](ctx, o.s.client, o.s.opKey(id), domain.ErrOperationNotFound)
}

func (o *operationStore) ActiveBySession(ctx context.Context, sessionID string) (*domain.Operation, error) {
	s := o.s
	ids, err := s.client.SMembers(ctx, s.sessionKey(sessionID)).Result()
	if err != nil && !errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	for _, id := range ids {
		op, err := getJSON[domain.Operation](ctx, s.client, s.opKey(id), domain.ErrOperationNotFound)
		if err != nil {
			if errors.Is(err, domain.ErrOperationNotFound) {
				continue
			}
			return nil, err
		}
		if !op.Terminal() {
			return op, nil
		}
	}
	return nil, domain.ErrOperationNotFound
}

func (o *operationStore) Update(ctx context.Context, op *domain.Operation) error {
	s := o.s
	exists, err := s.client.Exists(ctx, s.opKey(op.ID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return domain.ErrOperationNotFound
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	return s.client.Set(ctx, s.opKey(op.ID), data, 0).Err()
}

type itemStore struct{ s *Store }

func (it *itemStore) InsertMany(ctx context.Context, items []*domain.Item) error {
	s := it.s
	_, err := s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		for _, item := range items {
			if err := setJSON(ctx, pipe, s.itemKey(item.ID), item); err != nil {
				return err
			}
			pipe.SAdd(ctx, s.opItemsKey(item.OperationID), item.ID)
			pipe.SAdd(ctx, s.itemIndexKey(), item.ID)
		}
		return nil
	})
	return err
}

func (it *itemStore) Get(ctx context.Context, id string) (*domain.Item, error) {
	return getJSON[domain.Item](ctx, it.s.client, it.s.itemKey(id), domain.ErrItemNotFound)
}

func (it *itemStore) List(ctx context.Context, filter ports.ItemFilter) ([]*domain.Item, error) {
	s := it.s
	indexKey := s.itemIndexKey()
	if filter.OperationID != "" {
		indexKey = s.opItemsKey(filter.OperationID)
	}
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}

	var out []*domain.Item
	for _, id := range ids {
		item, err := it.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrItemNotFound) {
				continue
			}
			return nil, err
		}
		if matchesFilter(item, filter) {
			out = append(out, item)
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

func (it *itemStore) Update(ctx context.Context, item *domain.Item) error {
	s := it.s
	exists, err := s.client.Exists(ctx, s.itemKey(item.ID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return domain.ErrItemNotFound
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	return s.client.Set(ctx, s.itemKey(item.ID), data, 0).Err()
}

func (it *itemStore) UpdateIf(ctx context.Context, id string, expect domain.Status, apply func(*domain.Item) error) (bool, error) {
	s := it.s
	key := s.itemKey(id)
	var passed bool

	txn := func(tx *backend.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, backend.Nil) {
				return domain.ErrItemNotFound
			}
			return err
		}
		var item domain.Item
		if err := json.Unmarshal([]byte(val), &item); err != nil {
			return fmt.Errorf("unmarshal item: %w", err)
		}
		if item.Status != expect {
			passed = false
			return nil
		}
		if err := apply(&item); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			return setJSON(ctx, pipe, key, &item)
		})
		if err == nil {
			passed = true
		}
		return err
	}

	for i := 0; i < casAttempts; i++ {
		passed = false
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, backend.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return passed, nil
	}
	return false, ErrCASContention
}

func matchesFilter(item *domain.Item, f ports.ItemFilter) bool {
	if f.OperationID != "" && item.OperationID != f.OperationID {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if item.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if item.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
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

type scheduleStore struct{ s *Store }

func (sc *scheduleStore) Insert(ctx context.Context, sched *domain.Schedule) error {
	s := sc.s
	_, err := s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		if err := setJSON(ctx, pipe, s.schedKey(sched.ID), sched); err != nil {
			return err
		}
		pipe.Set(ctx, s.opSchedKey(sched.OperationID), sched.ID, 0)
		return nil
	})
	return err
}

func (sc *scheduleStore) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	return getJSON[domain.Schedule](ctx, sc.s.client, sc.s.schedKey(id), domain.ErrScheduleNotFound)
}

func (sc *scheduleStore) ByOperation(ctx context.Context, operationID string) (*domain.Schedule, error) {
	s := sc.s
	id, err := s.client.Get(ctx, s.opSchedKey(operationID)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return sc.Get(ctx, id)
}

func (sc *scheduleStore) Update(ctx context.Context, sched *domain.Schedule) error {
	s := sc.s
	exists, err := s.client.Exists(ctx, s.schedKey(sched.ID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return domain.ErrScheduleNotFound
	}
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.client.Set(ctx, s.schedKey(sched.ID), data, 0).Err()
}

func (sc *scheduleStore) UpdateIf(ctx context.Context, id string, expect domain.ScheduleState, apply func(*domain.Schedule) error) (bool, error) {
	s := sc.s
	key := s.schedKey(id)
	var passed bool

	txn := func(tx *backend.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, backend.Nil) {
				return domain.ErrScheduleNotFound
			}
			return err
		}
		var sched domain.Schedule
		if err := json.Unmarshal([]byte(val), &sched); err != nil {
			return fmt.Errorf("unmarshal schedule: %w", err)
		}
		if sched.State != expect {
			passed = false
			return nil
		}
		if err := apply(&sched); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			return setJSON(ctx, pipe, key, &sched)
		})
		if err == nil {
			passed = true
		}
		return err
	}

	for i := 0; i < casAttempts; i++ {
		passed = false
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, backend.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return passed, nil
	}
	return false, ErrCASContention
}
