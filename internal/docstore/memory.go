package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Client. Tests use it as the remote collaborator,
// and its SetUnavailable switch simulates connectivity loss so offline
// fallback paths can be exercised deterministically.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	watchers    map[int64]*memoryWatcher
	nextWatcher int64
	unavailable bool
}

type memoryWatcher struct {
	collection string
	query      Query
	handler    WatchHandler
}

// NewMemory constructs an empty in-memory document store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]map[string]any),
		watchers:    make(map[int64]*memoryWatcher),
	}
}

// SetUnavailable toggles simulated connectivity loss. While unavailable,
// every operation fails with ErrUnavailable.
func (m *Memory) SetUnavailable(unavailable bool) {
	m.mu.Lock()
	m.unavailable = unavailable
	m.mu.Unlock()
}

// Add implements Client.
func (m *Memory) Add(_ context.Context, collection string, data map[string]any) (string, error) {
	m.mu.Lock()
	if m.unavailable {
		m.mu.Unlock()
		return "", ErrUnavailable
	}
	id := uuid.NewString()
	m.ensureCollection(collection)[id] = cloneData(data)
	snapshots := m.pendingWatchSnapshotsLocked(collection)
	m.mu.Unlock()

	deliverWatchSnapshots(snapshots)
	return id, nil
}

// Get implements Client.
func (m *Memory) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return Document{}, ErrUnavailable
	}
	data, ok := m.collections[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return Document{ID: id, Data: cloneData(data)}, nil
}

// Update implements Client.
func (m *Memory) Update(_ context.Context, collection, id string, data map[string]any) error {
	m.mu.Lock()
	if m.unavailable {
		m.mu.Unlock()
		return ErrUnavailable
	}
	existing, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	for key, value := range data {
		existing[key] = value
	}
	snapshots := m.pendingWatchSnapshotsLocked(collection)
	m.mu.Unlock()

	deliverWatchSnapshots(snapshots)
	return nil
}

// Set implements Client.
func (m *Memory) Set(_ context.Context, collection, id string, data map[string]any) error {
	m.mu.Lock()
	if m.unavailable {
		m.mu.Unlock()
		return ErrUnavailable
	}
	m.ensureCollection(collection)[id] = cloneData(data)
	snapshots := m.pendingWatchSnapshotsLocked(collection)
	m.mu.Unlock()

	deliverWatchSnapshots(snapshots)
	return nil
}

// Remove implements Client.
func (m *Memory) Remove(_ context.Context, collection, id string) error {
	m.mu.Lock()
	if m.unavailable {
		m.mu.Unlock()
		return ErrUnavailable
	}
	docs, ok := m.collections[collection]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if _, ok := docs[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	delete(docs, id)
	snapshots := m.pendingWatchSnapshotsLocked(collection)
	m.mu.Unlock()

	deliverWatchSnapshots(snapshots)
	return nil
}

// Query implements Client.
func (m *Memory) Query(_ context.Context, collection string, query Query) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return nil, ErrUnavailable
	}
	return m.queryLocked(collection, query), nil
}

// Watch implements Client. Each mutation of the collection re-runs the query
// and delivers the fresh result to the handler.
func (m *Memory) Watch(_ context.Context, collection string, query Query, handler WatchHandler) (func(), error) {
	m.mu.Lock()
	if m.unavailable {
		m.mu.Unlock()
		return nil, ErrUnavailable
	}
	m.nextWatcher++
	watcherID := m.nextWatcher
	m.watchers[watcherID] = &memoryWatcher{collection: collection, query: query, handler: handler}
	m.mu.Unlock()

	stop := func() {
		m.mu.Lock()
		delete(m.watchers, watcherID)
		m.mu.Unlock()
	}
	return stop, nil
}

func (m *Memory) ensureCollection(collection string) map[string]map[string]any {
	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]map[string]any)
		m.collections[collection] = docs
	}
	return docs
}

func (m *Memory) queryLocked(collection string, query Query) []Document {
	candidates := make([]Document, 0, len(m.collections[collection]))
	for id, data := range m.collections[collection] {
		candidates = append(candidates, Document{ID: id, Data: cloneData(data)})
	}
	return ApplyQuery(candidates, query)
}

type watchSnapshot struct {
	handler   WatchHandler
	documents []Document
}

func (m *Memory) pendingWatchSnapshotsLocked(collection string) []watchSnapshot {
	var snapshots []watchSnapshot
	for _, watcher := range m.watchers {
		if watcher.collection != collection {
			continue
		}
		snapshots = append(snapshots, watchSnapshot{
			handler:   watcher.handler,
			documents: m.queryLocked(collection, watcher.query),
		})
	}
	return snapshots
}

func deliverWatchSnapshots(snapshots []watchSnapshot) {
	for _, snapshot := range snapshots {
		if snapshot.handler.OnChange != nil {
			snapshot.handler.OnChange(snapshot.documents)
		}
	}
}

func cloneData(data map[string]any) map[string]any {
	clone := make(map[string]any, len(data))
	for key, value := range data {
		clone[key] = value
	}
	return clone
}
