// Package profile manages the device's list of tracked child profiles: the
// locally cached subject list, the current-selection pointer, and the
// owner/member removal paths against the remote store.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nestlog/nestlog/internal/docstore"
	"github.com/nestlog/nestlog/internal/identity"
	"github.com/nestlog/nestlog/internal/kvstore"
)

// RegistryConfig describes the collaborators a Registry needs.
type RegistryConfig struct {
	Remote    docstore.Client
	Local     kvstore.Store
	KeyPrefix string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Registry keeps the local subject list authoritative for membership while
// mirroring profile data to the remote store on a best-effort basis.
type Registry struct {
	remote docstore.Client
	local  kvstore.Store
	prefix string
	clock  func() time.Time
	logger *zap.Logger

	mu sync.Mutex
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("profile: remote document store is required")
	}
	if cfg.Local == nil {
		return nil, fmt.Errorf("profile: local cache store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		remote: cfg.Remote,
		local:  cfg.Local,
		prefix: cfg.KeyPrefix,
		clock:  clock,
		logger: logger,
	}, nil
}

// UpsertResult reports whether the optimistic local write also reached the
// remote store. The local write is never undone on remote failure.
type UpsertResult struct {
	RemoteSynced bool
}

// MutationResult reports whether a removal's remote side effect completed.
type MutationResult struct {
	RemoteSynced bool
}

// List returns the locally known subjects. Entries with empty ids are
// dropped and duplicates collapse to their first occurrence; missing
// display fields are normalized to defaults. An empty list is a valid
// state, no placeholder is ever created.
func (r *Registry) List() []Subject {
	return dedupe(r.loadSubjects())
}

// CurrentID returns the current-selection pointer. When no pointer is
// stored and the list is non-empty, the first subject becomes (and is
// persisted as) the selection; otherwise the empty string is returned.
func (r *Registry) CurrentID() string {
	key := kvstore.CurrentSubjectKey(r.prefix)
	if id, ok := r.local.Get(key); ok && id != "" {
		return id
	}
	subjects := r.List()
	if len(subjects) == 0 {
		return ""
	}
	r.local.Set(key, subjects[0].ID)
	return subjects[0].ID
}

// SetCurrentID persists the current-selection pointer.
func (r *Registry) SetCurrentID(id string) {
	r.local.Set(kvstore.CurrentSubjectKey(r.prefix), id)
}

// Create registers a brand-new subject. Unlike Upsert it rejects an id that
// is already in use locally, since the id doubles as the shareable join code.
func (r *Registry) Create(ctx context.Context, caller identity.CallerIdentity, subject Subject) (UpsertResult, error) {
	if err := subject.validate(); err != nil {
		return UpsertResult{}, err
	}
	for _, existing := range r.List() {
		if existing.ID == subject.ID {
			return UpsertResult{}, fmt.Errorf("%w: %s", ErrDuplicateSubjectID, subject.ID)
		}
	}
	return r.Upsert(ctx, caller, subject)
}

// Upsert applies the subject locally first (optimistic, always succeeds),
// then mirrors it to the remote store and reports the remote outcome. New
// subjects default to the owner role; an existing subject keeps its locally
// stored role unless the incoming record carries one explicitly.
func (r *Registry) Upsert(ctx context.Context, caller identity.CallerIdentity, subject Subject) (UpsertResult, error) {
	if err := subject.validate(); err != nil {
		return UpsertResult{}, err
	}
	if err := caller.Validate(); err != nil {
		return UpsertResult{}, err
	}

	now := r.clock().UnixMilli()
	subject.UpdatedAtMillis = now
	subject.Deleted = false

	r.mu.Lock()
	subjects := dedupe(r.loadSubjects())
	replaced := false
	for i := range subjects {
		if subjects[i].ID != subject.ID {
			continue
		}
		if subject.Role == "" {
			subject.Role = subjects[i].Role
		}
		subjects[i] = subject.normalized()
		replaced = true
		break
	}
	if !replaced {
		subjects = append(subjects, subject.normalized())
	}
	r.saveSubjects(subjects)
	r.mu.Unlock()

	err := r.remote.Set(ctx, docstore.CollectionSubjects, subject.ID, subject.docData(caller.UserID, now))
	if err != nil {
		if errors.Is(err, docstore.ErrPermissionDenied) {
			return UpsertResult{RemoteSynced: false}, err
		}
		r.logger.Warn("subject saved locally but remote sync failed",
			zap.String("subject_id", subject.ID), zap.Error(err))
		return UpsertResult{RemoteSynced: false}, nil
	}
	return UpsertResult{RemoteSynced: true}, nil
}

// ApplyRemote refreshes the locally cached copy of a subject from remote
// truth without writing back. The locally stored role always wins; a
// subject not yet known locally gets fallbackRole.
func (r *Registry) ApplyRemote(subject Subject, fallbackRole Role) error {
	if err := subject.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subjects := dedupe(r.loadSubjects())
	for i := range subjects {
		if subjects[i].ID != subject.ID {
			continue
		}
		subject.Role = subjects[i].Role
		subjects[i] = subject.normalized()
		r.saveSubjects(subjects)
		return nil
	}
	subject.Role = fallbackRole
	r.saveSubjects(append(subjects, subject.normalized()))
	return nil
}

// Delete hard-removes the subject from this device only. It is the local
// half of both removal paths and the whole of reconciliation cleanup.
func (r *Registry) Delete(id string) error {
	if id == "" {
		return ErrMissingSubjectID
	}
	r.mu.Lock()
	subjects := dedupe(r.loadSubjects())
	kept := subjects[:0]
	for _, subject := range subjects {
		if subject.ID == id {
			continue
		}
		kept = append(kept, subject)
	}
	r.saveSubjects(kept)
	r.mu.Unlock()

	r.advancePointer(id)
	return nil
}

// SoftDelete is the owner removal path: flag the remote document deleted,
// then hard-remove locally. The local removal happens even when the remote
// flag could not be written, and the result reports that divergence.
func (r *Registry) SoftDelete(ctx context.Context, id string) (MutationResult, error) {
	if id == "" {
		return MutationResult{}, ErrMissingSubjectID
	}

	remoteSynced := true
	err := r.remote.Update(ctx, docstore.CollectionSubjects, id, map[string]any{
		"deleted":   true,
		"updatedAt": r.clock().UnixMilli(),
	})
	switch {
	case err == nil, errors.Is(err, docstore.ErrNotFound):
	case errors.Is(err, docstore.ErrPermissionDenied):
		return MutationResult{}, err
	default:
		remoteSynced = false
		r.logger.Warn("remote soft-delete failed, removing locally anyway",
			zap.String("subject_id", id), zap.Error(err))
	}

	if err := r.Delete(id); err != nil {
		return MutationResult{RemoteSynced: remoteSynced}, err
	}
	return MutationResult{RemoteSynced: remoteSynced}, nil
}

// Exit is the member removal path: delete this user's join records for the
// subject remotely, then hard-remove the subject locally.
func (r *Registry) Exit(ctx context.Context, caller identity.CallerIdentity, id string) (MutationResult, error) {
	if id == "" {
		return MutationResult{}, ErrMissingSubjectID
	}
	if err := caller.Validate(); err != nil {
		return MutationResult{}, err
	}

	remoteSynced := true
	records, err := r.remote.Query(ctx, docstore.CollectionJoinRecords, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Eq("subjectId", id),
			docstore.Eq("userId", caller.UserID),
		},
	})
	if err != nil {
		remoteSynced = false
		r.logger.Warn("join record lookup failed during exit",
			zap.String("subject_id", id), zap.Error(err))
	}
	for _, record := range records {
		if err := r.remote.Remove(ctx, docstore.CollectionJoinRecords, record.ID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			remoteSynced = false
			r.logger.Warn("join record removal failed during exit",
				zap.String("subject_id", id), zap.String("record_id", record.ID), zap.Error(err))
		}
	}

	if err := r.Delete(id); err != nil {
		return MutationResult{RemoteSynced: remoteSynced}, err
	}
	return MutationResult{RemoteSynced: remoteSynced}, nil
}

// advancePointer moves the current selection off a removed subject: to the
// first remaining subject, or to the empty sentinel when none are left.
func (r *Registry) advancePointer(removedID string) {
	key := kvstore.CurrentSubjectKey(r.prefix)
	current, ok := r.local.Get(key)
	if !ok || current != removedID {
		return
	}
	subjects := r.List()
	if len(subjects) == 0 {
		r.local.Set(key, "")
		return
	}
	r.local.Set(key, subjects[0].ID)
}

func (r *Registry) loadSubjects() []Subject {
	raw, ok := r.local.Get(kvstore.SubjectsKey(r.prefix))
	if !ok || raw == "" {
		return nil
	}
	var subjects []Subject
	if err := json.Unmarshal([]byte(raw), &subjects); err != nil {
		r.logger.Warn("discarding unreadable subject cache", zap.Error(err))
		return nil
	}
	return subjects
}

func (r *Registry) saveSubjects(subjects []Subject) {
	encoded, err := json.Marshal(subjects)
	if err != nil {
		r.logger.Warn("subject cache encode failed", zap.Error(err))
		return
	}
	r.local.Set(kvstore.SubjectsKey(r.prefix), string(encoded))
}

func dedupe(subjects []Subject) []Subject {
	seen := make(map[string]bool, len(subjects))
	deduped := make([]Subject, 0, len(subjects))
	for _, subject := range subjects {
		if subject.ID == "" || seen[subject.ID] {
			continue
		}
		seen[subject.ID] = true
		deduped = append(deduped, subject.normalized())
	}
	return deduped
}
