// Package bus provides the lifecycle event bus. Every state transition the
// engine applies is published as an Event; hosts subscribe for audit mirrors,
// UI refresh, or cross-service fan-out. The default implementation is
// in-memory, with a NATS option for multi-process deployments.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a closed bus or subscription.
var ErrClosed = errors.New("bus closed")

// EventType categorizes lifecycle events.
type EventType string

const (
	EventOperationStarted  EventType = "operation.started"
	EventOperationUpdated  EventType = "operation.updated"
	EventOperationEnded    EventType = "operation.ended"
	EventItemsCreated      EventType = "items.created"
	EventItemUpdated       EventType = "item.updated"
	EventItemExecuted      EventType = "item.executed"
	EventItemFailed        EventType = "item.failed"
	EventScheduleActivated EventType = "schedule.activated"
	EventScheduleClosed    EventType = "schedule.closed"
)

// Event is one lifecycle notification. Fields not relevant to the event type
// are left empty.
type Event struct {
	Type        EventType `json:"type"`
	SessionID   string    `json:"session_id,omitempty"`
	OperationID string    `json:"operation_id,omitempty"`
	ItemID      string    `json:"item_id,omitempty"`
	ScheduleID  string    `json:"schedule_id,omitempty"`
	State       string    `json:"state,omitempty"`
	Status      string    `json:"status,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Handler processes incoming events.
type Handler func(Event)

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
}

// Publisher is the engine-facing side of the bus.
// Implementations must be safe for concurrent use.
type Publisher interface {
	// Publish delivers the event to all subscribers. Best-effort: a slow
	// subscriber must not block the engine.
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Bus is a Publisher hosts can also subscribe on.
type Bus interface {
	Publisher
	Subscribe(handler Handler) (Subscription, error)
}

// Nop returns a Publisher that discards everything.
func Nop() Publisher { return nopPublisher{} }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
func (nopPublisher) Close() error                         { return nil }
