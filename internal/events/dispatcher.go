// Package events fans state changes out to a user's connected clients so a
// login on one tab updates every other tab the user has open.
package events

import (
	"context"
	"sync"
	"time"
)

const (
	EventSyncSucceeded      = "sync-succeeded"
	EventSyncFailed         = "sync-failed"
	EventConflictDetected   = "conflict-detected"
	EventMigrationCompleted = "migration-completed"
)

// Message is one user-scoped notification.
type Message struct {
	UserID    string
	EventType string
	Payload   map[string]any
	Timestamp time.Time
}

// Dispatcher delivers messages to every live subscription of the target user.
// Delivery is best effort: a subscriber whose buffer is full misses the
// message rather than blocking the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewDispatcher constructs a dispatcher with a small per-subscriber buffer.
func NewDispatcher(clock func() time.Time) *Dispatcher {
	if clock == nil {
		clock = time.Now
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
		clock:       clock,
	}
}

// Subscribe registers a stream for userID, released when ctx is done or the
// returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan Message, func()) {
	if userID == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Message, d.bufferSize),
	}
	d.register(userID, sub)
	cleanup := func() {
		d.unregister(userID, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the message to every subscription of its user.
func (d *Dispatcher) Publish(message Message) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(userID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*subscriber)
	}
	d.subscribers[userID][sub.id] = sub
}

func (d *Dispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
