// Package ledger provides the growth and milestone ledgers: simple
// append-and-list stores per subject, remote-first with a local mirror for
// offline reads. Entries are ordered by a zero-padded YYYY-MM-DD date key,
// newest first, so plain string comparison sorts correctly.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nestlog/nestlog/internal/docstore"
	"github.com/nestlog/nestlog/internal/kvstore"
)

const dateKeyLayout = "2006-01-02"

var (
	// ErrMissingSubjectID indicates an entry without a subject.
	ErrMissingSubjectID = errors.New("ledger: subject id is required")
	// ErrInvalidDateKey indicates a date key that is not zero-padded YYYY-MM-DD.
	ErrInvalidDateKey = errors.New("ledger: date key must be YYYY-MM-DD")
)

func validateDateKey(dateKey string) error {
	if len(dateKey) != len(dateKeyLayout) {
		return ErrInvalidDateKey
	}
	if _, err := time.Parse(dateKeyLayout, dateKey); err != nil {
		return ErrInvalidDateKey
	}
	return nil
}

// AppendResult reports where an entry landed. RemoteSynced is always true
// here; unlike activity events, ledger appends have no offline fallback and
// fail outright when the remote store is unreachable.
type AppendResult[E any] struct {
	Entry        E
	RemoteSynced bool
}

// core is the shared cache-aside machinery behind both ledgers.
type core[E any] struct {
	remote     docstore.Client
	local      kvstore.Store
	collection string
	cacheKey   func(subjectID string) string
	encode     func(E) map[string]any
	decode     func(docstore.Document) E
	subjectOf  func(E) string
	dateKeyOf  func(E) string
	remoteIDOf func(E) string
	withRemote func(E, string) E
	logger     *zap.Logger
}

func (c *core[E]) append(ctx context.Context, entry E) (AppendResult[E], error) {
	var zero AppendResult[E]
	subjectID := c.subjectOf(entry)
	if strings.TrimSpace(subjectID) == "" {
		return zero, ErrMissingSubjectID
	}
	if err := validateDateKey(c.dateKeyOf(entry)); err != nil {
		return zero, err
	}

	remoteID, err := c.remote.Add(ctx, c.collection, c.encode(entry))
	if err != nil {
		return zero, fmt.Errorf("ledger: %s append failed: %w", c.collection, err)
	}
	entry = c.withRemote(entry, remoteID)

	entries := append(c.cached(subjectID), entry)
	sortByDateKeyDescending(entries, c.dateKeyOf)
	c.saveCache(subjectID, entries)

	return AppendResult[E]{Entry: entry, RemoteSynced: true}, nil
}

func (c *core[E]) list(ctx context.Context, subjectID string) ([]E, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, ErrMissingSubjectID
	}

	docs, err := c.remote.Query(ctx, c.collection, docstore.Query{
		Filters:    []docstore.Filter{docstore.Eq("subjectId", subjectID)},
		OrderBy:    "dateKey",
		Descending: true,
	})
	if err != nil {
		if errors.Is(err, docstore.ErrPermissionDenied) {
			return nil, fmt.Errorf("ledger: %s listing denied: %w", c.collection, err)
		}
		c.logger.Warn("remote ledger read failed, serving local cache",
			zap.String("collection", c.collection),
			zap.String("subject_id", subjectID),
			zap.Error(err))
		return c.cached(subjectID), nil
	}

	entries := make([]E, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, c.decode(doc))
	}
	sortByDateKeyDescending(entries, c.dateKeyOf)
	c.saveCache(subjectID, entries)
	return entries, nil
}

func (c *core[E]) remove(ctx context.Context, subjectID, remoteID string) error {
	if strings.TrimSpace(subjectID) == "" {
		return ErrMissingSubjectID
	}
	if err := c.remote.Remove(ctx, c.collection, remoteID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("ledger: %s removal failed: %w", c.collection, err)
	}

	entries := c.cached(subjectID)
	kept := entries[:0]
	for _, entry := range entries {
		if c.remoteIDOf(entry) != remoteID {
			kept = append(kept, entry)
		}
	}
	c.saveCache(subjectID, kept)
	return nil
}

func (c *core[E]) cached(subjectID string) []E {
	raw, ok := c.local.Get(c.cacheKey(subjectID))
	if !ok || raw == "" {
		return nil
	}
	var entries []E
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		c.logger.Warn("ledger cache unreadable, treating as empty",
			zap.String("collection", c.collection),
			zap.String("subject_id", subjectID),
			zap.Error(err))
		return nil
	}
	return entries
}

func (c *core[E]) saveCache(subjectID string, entries []E) {
	encoded, err := json.Marshal(entries)
	if err != nil {
		c.logger.Warn("ledger cache write skipped",
			zap.String("collection", c.collection), zap.Error(err))
		return
	}
	c.local.Set(c.cacheKey(subjectID), string(encoded))
}

func sortByDateKeyDescending[E any](entries []E, dateKeyOf func(E) string) {
	sort.SliceStable(entries, func(i, j int) bool {
		return dateKeyOf(entries[i]) > dateKeyOf(entries[j])
	})
}
