// Package record implements the activity-event store: cache-aside CRUD
// against the remote document store, offline-first fallback onto the local
// cache, range queries, daily aggregation, and sleep/wake pairing.
package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nestlog/nestlog/internal/changebus"
	"github.com/nestlog/nestlog/internal/docstore"
	"github.com/nestlog/nestlog/internal/kvstore"
)

const (
	localIDPrefix     = "local-"
	pairingWindow     = 24 * time.Hour
	millisPerMinute   = 60_000
	opStoreNew        = "record.store.new"
	opAppend          = "record.append"
	opUpdate          = "record.update"
	opRemove          = "record.remove"
	opQuery           = "record.query"
	opSubscribe       = "record.subscribe"
	opPairSleepWake   = "record.pair_sleep_wake"
	opSaveQuickAction = "record.quick_actions"
)

var (
	errMissingRemote = errors.New("remote document store is required")
	errMissingLocal  = errors.New("local cache store is required")
	noOpLogger       = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code, e.g. "record.append.remote_write_failed".
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the collaborators a Store needs.
type StoreConfig struct {
	Remote     docstore.Client
	Local      kvstore.Store
	KeyPrefix  string
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store orchestrates activity events across the remote document store and
// the per-device local cache. Writes go remote-first; when the remote store
// is unreachable the event is kept locally under a synthesized local id so
// no write is ever lost.
type Store struct {
	remote docstore.Client
	local  kvstore.Store
	prefix string
	clock  func() time.Time
	ids    IDProvider
	logger *zap.Logger
	bus    *changebus.Bus[[]ActivityEvent]

	cacheMu sync.Mutex

	watchMu sync.Mutex
	watches map[string]*subjectWatch
}

// One remote watch handle is shared per subject and reference-counted
// across subscribers; the handle is released when the last subscriber for
// the subject unsubscribes.
type subjectWatch struct {
	refs int
	stop func()
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Remote == nil {
		return nil, newServiceError(opStoreNew, "missing_remote", errMissingRemote)
	}
	if cfg.Local == nil {
		return nil, newServiceError(opStoreNew, "missing_local", errMissingLocal)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		remote:  cfg.Remote,
		local:   cfg.Local,
		prefix:  cfg.KeyPrefix,
		clock:   clock,
		ids:     ids,
		logger:  logger,
		bus:     changebus.NewBus[[]ActivityEvent](),
		watches: make(map[string]*subjectWatch),
	}, nil
}

// AppendResult reports where an appended event landed. RemoteSynced false
// means "saved on this device only": the caller may tell the user the data
// is not yet shared.
type AppendResult struct {
	Event        ActivityEvent
	RemoteSynced bool
}

// MutationResult reports whether a mutation reached the remote store.
type MutationResult struct {
	RemoteSynced bool
}

// Append persists a new event remote-first. On remote failure the event is
// kept in the local cache under a synthesized local id. Wake events trigger
// sleep pairing, and every successful append notifies subscribers.
func (s *Store) Append(ctx context.Context, event ActivityEvent) (AppendResult, error) {
	if event.OccurredAtMillis == 0 {
		event.OccurredAtMillis = s.clock().UnixMilli()
	}
	if err := event.validate(); err != nil {
		return AppendResult{}, newServiceError(opAppend, "invalid_event", err)
	}
	if event.Kind == "" {
		event.Kind = KindUnknown
	}
	event.RemoteID = ""
	event.LocalID = ""

	remoteID, err := s.remote.Add(ctx, docstore.CollectionEvents, event.docData())
	switch {
	case err == nil:
		event.RemoteID = remoteID
	case errors.Is(err, docstore.ErrPermissionDenied):
		return AppendResult{}, newServiceError(opAppend, "permission_denied", err)
	default:
		s.logger.Warn("remote append failed, keeping event on this device",
			zap.String("subject_id", event.SubjectID), zap.Error(err))
		generated, idErr := s.ids.NewID()
		if idErr != nil {
			return AppendResult{}, newServiceError(opAppend, "id_generation_failed", idErr)
		}
		event.LocalID = localIDPrefix + generated
	}

	s.pushFront(event)

	if event.Kind == KindSleepEnd {
		if pairErr := s.PairSleepWake(ctx, event); pairErr != nil {
			s.logger.Warn("sleep pairing failed",
				zap.String("subject_id", event.SubjectID), zap.Error(pairErr))
		}
	}

	s.publish(event.SubjectID)
	return AppendResult{Event: event, RemoteSynced: event.RemoteID != ""}, nil
}

// Update rewrites an existing event. The cache entry is merged field by
// field from the incoming record; fields absent from it are cleared, never
// resurrected. Requires a remote or local id.
func (s *Store) Update(ctx context.Context, event ActivityEvent) (MutationResult, error) {
	if err := event.validate(); err != nil {
		return MutationResult{}, newServiceError(opUpdate, "invalid_event", err)
	}
	if event.ID() == "" {
		return MutationResult{}, newServiceError(opUpdate, "missing_id", ErrMissingEventID)
	}

	remoteSynced := false
	if event.RemoteID != "" {
		err := s.remote.Update(ctx, docstore.CollectionEvents, event.RemoteID, event.docData())
		switch {
		case err == nil:
			remoteSynced = true
		case errors.Is(err, docstore.ErrPermissionDenied):
			return MutationResult{}, newServiceError(opUpdate, "permission_denied", err)
		default:
			s.logger.Warn("remote update failed, applying locally only",
				zap.String("event_id", event.RemoteID), zap.Error(err))
		}
	}

	merged := s.mergeIntoCache(event)
	if remoteSynced || merged {
		s.publish(event.SubjectID)
	}
	return MutationResult{RemoteSynced: remoteSynced}, nil
}

// Remove deletes an event by either id. Subscribers are notified only when
// a cached entry was actually removed.
func (s *Store) Remove(ctx context.Context, subjectID, id string) (MutationResult, error) {
	if subjectID == "" {
		return MutationResult{}, newServiceError(opRemove, "missing_subject", ErrMissingSubjectID)
	}
	if id == "" {
		return MutationResult{}, newServiceError(opRemove, "missing_id", ErrMissingEventID)
	}

	remoteSynced := false
	if !strings.HasPrefix(id, localIDPrefix) {
		err := s.remote.Remove(ctx, docstore.CollectionEvents, id)
		switch {
		case err == nil, errors.Is(err, docstore.ErrNotFound):
			remoteSynced = true
		case errors.Is(err, docstore.ErrPermissionDenied):
			return MutationResult{}, newServiceError(opRemove, "permission_denied", err)
		default:
			s.logger.Warn("remote remove failed, purging local copy only",
				zap.String("event_id", id), zap.Error(err))
		}
	}

	if s.removeFromCache(subjectID, id) {
		s.publish(subjectID)
	}
	return MutationResult{RemoteSynced: remoteSynced}, nil
}

// Query returns the subject's events ordered by occurrence time descending.
// Bounds are inclusive on both ends; zero means unbounded. The remote store
// is asked first; on failure the read degrades to the local cache. Events
// that exist on this device only are always included.
func (s *Store) Query(ctx context.Context, subjectID string, startMillis, endMillis int64) ([]ActivityEvent, error) {
	if subjectID == "" {
		return nil, newServiceError(opQuery, "missing_subject", ErrMissingSubjectID)
	}

	filters := []docstore.Filter{docstore.Eq("subjectId", subjectID)}
	if startMillis > 0 {
		filters = append(filters, docstore.Gte("timestamp", startMillis))
	}
	if endMillis > 0 {
		// timestamps are integral millis, so < end+1 makes the bound inclusive
		filters = append(filters, docstore.Lt("timestamp", endMillis+1))
	}

	docs, err := s.remote.Query(ctx, docstore.CollectionEvents, docstore.Query{
		Filters:    filters,
		OrderBy:    "timestamp",
		Descending: true,
	})
	if err != nil {
		s.logger.Warn("remote query failed, reading local cache",
			zap.String("subject_id", subjectID), zap.Error(err))
		return filterByRange(s.cachedEvents(subjectID), startMillis, endMillis), nil
	}

	remoteEvents := make([]ActivityEvent, 0, len(docs))
	for _, doc := range docs {
		remoteEvents = append(remoteEvents, eventFromDocument(doc))
	}

	combined := s.mergeRemoteSnapshot(subjectID, remoteEvents, startMillis == 0 && endMillis == 0)
	return filterByRange(combined, startMillis, endMillis), nil
}

// Subscribe registers a callback for the subject's event snapshots. The
// current snapshot is delivered immediately via one query, then again after
// every completed mutation and every remote-side change notification. The
// returned function removes exactly this registration.
func (s *Store) Subscribe(ctx context.Context, subjectID string, callback func([]ActivityEvent)) (func(), error) {
	if subjectID == "" {
		return nil, newServiceError(opSubscribe, "missing_subject", ErrMissingSubjectID)
	}
	if callback == nil {
		return nil, newServiceError(opSubscribe, "missing_callback", errors.New("callback is required"))
	}

	snapshot, err := s.Query(ctx, subjectID, 0, 0)
	if err != nil {
		return nil, err
	}
	callback(snapshot)

	unsubscribe := s.bus.Subscribe(subjectID, callback)
	s.acquireRemoteWatch(subjectID)

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			s.releaseRemoteWatch(subjectID)
		})
	}, nil
}

// PairSleepWake links a wake event to the most recent unpaired sleep event
// within the last 24 hours and stamps its duration. Sleep events whose
// duration was already set are treated as user-entered and never touched.
// Without a candidate in the window, or when the wake lands under half a
// minute after the most recent unpaired sleep, this is a no-op.
func (s *Store) PairSleepWake(ctx context.Context, wake ActivityEvent) error {
	if wake.Kind != KindSleepEnd {
		return nil
	}
	if wake.SubjectID == "" {
		return newServiceError(opPairSleepWake, "missing_subject", ErrMissingSubjectID)
	}

	windowStart := wake.OccurredAtMillis - pairingWindow.Milliseconds()
	candidates := s.sleepCandidates(ctx, wake, windowStart)

	for _, sleep := range candidates {
		if sleep.DurationMinutes != 0 {
			continue
		}
		elapsed := wake.OccurredAtMillis - sleep.OccurredAtMillis
		minutes := int64(math.Round(float64(elapsed) / millisPerMinute))
		if minutes <= 0 {
			// The most recent unpaired sleep is the only pairing target.
			// A wake this close to it must not fall through and stamp an
			// older session.
			return nil
		}
		sleep.DurationMinutes = minutes
		if _, err := s.Update(ctx, sleep); err != nil {
			return newServiceError(opPairSleepWake, "duration_update_failed", err)
		}
		return nil
	}
	return nil
}

func (s *Store) sleepCandidates(ctx context.Context, wake ActivityEvent, windowStart int64) []ActivityEvent {
	docs, err := s.remote.Query(ctx, docstore.CollectionEvents, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Eq("subjectId", wake.SubjectID),
			docstore.Eq("type", string(KindSleepStart)),
			docstore.Gte("timestamp", windowStart),
			docstore.Lt("timestamp", wake.OccurredAtMillis+1),
		},
		OrderBy:    "timestamp",
		Descending: true,
	})
	if err == nil {
		candidates := make([]ActivityEvent, 0, len(docs))
		for _, doc := range docs {
			candidates = append(candidates, eventFromDocument(doc))
		}
		return candidates
	}

	s.logger.Warn("remote sleep lookup failed, scanning local cache",
		zap.String("subject_id", wake.SubjectID), zap.Error(err))

	var candidates []ActivityEvent
	for _, event := range s.cachedEvents(wake.SubjectID) {
		if event.Kind != KindSleepStart {
			continue
		}
		if event.OccurredAtMillis < windowStart || event.OccurredAtMillis > wake.OccurredAtMillis {
			continue
		}
		candidates = append(candidates, event)
	}
	sortEventsDescending(candidates)
	return candidates
}

func (s *Store) acquireRemoteWatch(subjectID string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if watch, ok := s.watches[subjectID]; ok {
		watch.refs++
		return
	}

	watch := &subjectWatch{refs: 1, stop: func() {}}
	s.watches[subjectID] = watch

	// The watch lifetime is governed by the refcount, not by any single
	// subscriber's context.
	stop, err := s.remote.Watch(context.Background(), docstore.CollectionEvents, docstore.Query{
		Filters:    []docstore.Filter{docstore.Eq("subjectId", subjectID)},
		OrderBy:    "timestamp",
		Descending: true,
	}, docstore.WatchHandler{
		OnChange: func(docs []docstore.Document) {
			remoteEvents := make([]ActivityEvent, 0, len(docs))
			for _, doc := range docs {
				remoteEvents = append(remoteEvents, eventFromDocument(doc))
			}
			s.mergeRemoteSnapshot(subjectID, remoteEvents, true)
			s.publish(subjectID)
		},
		OnError: func(watchErr error) {
			s.logger.Warn("remote watch terminated",
				zap.String("subject_id", subjectID), zap.Error(watchErr))
		},
	})
	if err != nil {
		s.logger.Warn("remote watch unavailable, relying on local notifications",
			zap.String("subject_id", subjectID), zap.Error(err))
		return
	}
	watch.stop = stop
}

func (s *Store) releaseRemoteWatch(subjectID string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	watch, ok := s.watches[subjectID]
	if !ok {
		return
	}
	watch.refs--
	if watch.refs > 0 {
		return
	}
	watch.stop()
	delete(s.watches, subjectID)
}

func (s *Store) publish(subjectID string) {
	s.bus.Publish(subjectID, s.cachedEvents(subjectID))
}

func (s *Store) cacheKey(subjectID string) string {
	return kvstore.EventsKey(s.prefix, subjectID)
}

func (s *Store) cachedEvents(subjectID string) []ActivityEvent {
	raw, ok := s.local.Get(s.cacheKey(subjectID))
	if !ok || raw == "" {
		return nil
	}
	var events []ActivityEvent
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		s.logger.Warn("discarding unreadable event cache",
			zap.String("subject_id", subjectID), zap.Error(err))
		return nil
	}
	for i := range events {
		events[i].Kind = DecodeKind(string(events[i].Kind))
	}
	return events
}

func (s *Store) saveCache(subjectID string, events []ActivityEvent) {
	encoded, err := json.Marshal(events)
	if err != nil {
		s.logger.Warn("event cache encode failed",
			zap.String("subject_id", subjectID), zap.Error(err))
		return
	}
	s.local.Set(s.cacheKey(subjectID), string(encoded))
}

func (s *Store) pushFront(event ActivityEvent) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	events := append([]ActivityEvent{event}, s.cachedEvents(event.SubjectID)...)
	s.saveCache(event.SubjectID, events)
}

func (s *Store) mergeIntoCache(incoming ActivityEvent) bool {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	events := s.cachedEvents(incoming.SubjectID)
	for i := range events {
		if !sameEvent(events[i], incoming) {
			continue
		}
		events[i].Kind = incoming.Kind
		events[i].OccurredAtMillis = incoming.OccurredAtMillis
		events[i].Amount = incoming.Amount
		events[i].DurationMinutes = incoming.DurationMinutes
		events[i].Note = incoming.Note
		s.saveCache(incoming.SubjectID, events)
		return true
	}
	return false
}

func (s *Store) removeFromCache(subjectID, id string) bool {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	events := s.cachedEvents(subjectID)
	kept := events[:0]
	removed := false
	for _, event := range events {
		if event.RemoteID == id || event.LocalID == id {
			removed = true
			continue
		}
		kept = append(kept, event)
	}
	if removed {
		s.saveCache(subjectID, kept)
	}
	return removed
}

// mergeRemoteSnapshot combines a remote query result with the cache's
// local-only events. When the snapshot covers the whole subject (refresh
// true) it replaces the cached list, so the cache is only ever rewritten as
// a side effect of a successful remote read.
func (s *Store) mergeRemoteSnapshot(subjectID string, remoteEvents []ActivityEvent, refresh bool) []ActivityEvent {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	combined := append([]ActivityEvent(nil), remoteEvents...)
	for _, cached := range s.cachedEvents(subjectID) {
		if cached.LocalID != "" && cached.RemoteID == "" {
			combined = append(combined, cached)
		}
	}
	sortEventsDescending(combined)

	if refresh {
		s.saveCache(subjectID, combined)
	}
	return combined
}

func sameEvent(stored, incoming ActivityEvent) bool {
	if incoming.RemoteID != "" && stored.RemoteID == incoming.RemoteID {
		return true
	}
	return incoming.LocalID != "" && stored.LocalID == incoming.LocalID
}

func filterByRange(events []ActivityEvent, startMillis, endMillis int64) []ActivityEvent {
	filtered := make([]ActivityEvent, 0, len(events))
	for _, event := range events {
		if startMillis > 0 && event.OccurredAtMillis < startMillis {
			continue
		}
		if endMillis > 0 && event.OccurredAtMillis > endMillis {
			continue
		}
		filtered = append(filtered, event)
	}
	sortEventsDescending(filtered)
	return filtered
}

func sortEventsDescending(events []ActivityEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAtMillis > events[j].OccurredAtMillis
	})
}
