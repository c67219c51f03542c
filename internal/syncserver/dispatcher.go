package syncserver

import (
	"context"
	"sync"
	"time"
)

const (
	// ChangeEventDocument is the SSE event type for collection mutations.
	ChangeEventDocument  = "document-change"
	changeEventHeartbeat = "heartbeat"
)

// ChangeMessage tells stream subscribers that documents in a collection
// changed. Subscribers re-query; the message carries ids, not data.
type ChangeMessage struct {
	Collection string
	DocIDs     []string
	Timestamp  time.Time
}

// Dispatcher fans collection-change messages out to stream subscribers.
// Slow subscribers lose messages rather than blocking the publisher; a
// dropped message only costs one re-query, not data.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
}

type changeSubscriber struct {
	id     int64
	stream chan ChangeMessage
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*changeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for changes to one collection. The subscription ends
// when ctx is cancelled or the returned cleanup runs, whichever is first.
func (d *Dispatcher) Subscribe(ctx context.Context, collection string) (<-chan ChangeMessage, func()) {
	if collection == "" {
		ch := make(chan ChangeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &changeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeMessage, d.bufferSize),
	}
	d.register(collection, subscriber)
	cleanup := func() {
		d.unregister(collection, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every subscriber of its collection.
func (d *Dispatcher) Publish(message ChangeMessage) {
	if message.Collection == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Collection]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*changeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
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

func (d *Dispatcher) register(collection string, subscriber *changeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[collection]; !ok {
		d.subscribers[collection] = make(map[int64]*changeSubscriber)
	}
	d.subscribers[collection][subscriber.id] = subscriber
}

func (d *Dispatcher) unregister(collection string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[collection]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, collection)
		}
	}
	d.mu.Unlock()
}
