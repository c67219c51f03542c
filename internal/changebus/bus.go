// Package changebus provides a per-subject subscription registry with
// snapshot fan-out. Snapshots for one subject are delivered in the order
// they are published; there is no ordering guarantee across subjects.
package changebus

import "sync"

// Bus fans published snapshots out to every subscriber registered for the
// same subject. The registry is process-wide mutable state with unbounded
// lifetime; at the data volumes involved no eviction is needed.
type Bus[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]func(T)
	nextID      int64
}

// NewBus constructs an empty Bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{
		subscribers: make(map[string]map[int64]func(T)),
	}
}

// Subscribe registers a callback for the subject and returns a function that
// removes exactly this registration. Unsubscribing twice is a no-op.
func (b *Bus[T]) Subscribe(subjectID string, callback func(T)) func() {
	if subjectID == "" || callback == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	subscriberID := b.nextID
	if _, ok := b.subscribers[subjectID]; !ok {
		b.subscribers[subjectID] = make(map[int64]func(T))
	}
	b.subscribers[subjectID][subscriberID] = callback
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.unregister(subjectID, subscriberID)
		})
	}
}

// Publish delivers the snapshot to every subscriber registered for the
// subject. Callbacks run synchronously on the publishing goroutine, so a
// single subject's notifications arrive in mutation-completion order.
func (b *Bus[T]) Publish(subjectID string, snapshot T) {
	b.mu.RLock()
	registered := b.subscribers[subjectID]
	callbacks := make([]func(T), 0, len(registered))
	for _, callback := range registered {
		callbacks = append(callbacks, callback)
	}
	b.mu.RUnlock()

	for _, callback := range callbacks {
		callback(snapshot)
	}
}

// SubscriberCount returns the number of live registrations for the subject.
func (b *Bus[T]) SubscriberCount(subjectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[subjectID])
}

func (b *Bus[T]) unregister(subjectID string, subscriberID int64) {
	b.mu.Lock()
	registered := b.subscribers[subjectID]
	if registered != nil {
		delete(registered, subscriberID)
		if len(registered) == 0 {
			delete(b.subscribers, subjectID)
		}
	}
	b.mu.Unlock()
}
