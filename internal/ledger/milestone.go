package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nestlog/nestlog/internal/docstore"
	"github.com/nestlog/nestlog/internal/kvstore"
)

// Milestone is one developmental milestone for one subject, such as a
// first word or first unassisted step.
type Milestone struct {
	RemoteID    string `json:"remoteId,omitempty"`
	SubjectID   string `json:"subjectId"`
	DateKey     string `json:"dateKey"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	PhotoRef    string `json:"photoRef,omitempty"`
}

// MilestoneLedgerConfig describes the collaborators a MilestoneLedger needs.
type MilestoneLedgerConfig struct {
	Remote    docstore.Client
	Local     kvstore.Store
	KeyPrefix string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// MilestoneLedger stores milestones remote-first, mirroring successful
// writes into the local cache for offline reads.
type MilestoneLedger struct {
	core core[Milestone]
}

// NewMilestoneLedger constructs a MilestoneLedger.
func NewMilestoneLedger(cfg MilestoneLedgerConfig) (*MilestoneLedger, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("ledger: remote document store is required")
	}
	if cfg.Local == nil {
		return nil, fmt.Errorf("ledger: local cache store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	return &MilestoneLedger{core: core[Milestone]{
		remote:     cfg.Remote,
		local:      cfg.Local,
		collection: docstore.CollectionMilestones,
		cacheKey: func(subjectID string) string {
			return kvstore.MilestonesKey(prefix, subjectID)
		},
		encode: func(entry Milestone) map[string]any {
			data := map[string]any{
				"subjectId": entry.SubjectID,
				"dateKey":   entry.DateKey,
				"title":     entry.Title,
				"createdAt": clock().UnixMilli(),
			}
			if entry.Description != "" {
				data["description"] = entry.Description
			}
			if entry.PhotoRef != "" {
				data["photoRef"] = entry.PhotoRef
			}
			return data
		},
		decode: func(doc docstore.Document) Milestone {
			return Milestone{
				RemoteID:    doc.ID,
				SubjectID:   docstore.StringField(doc.Data, "subjectId"),
				DateKey:     docstore.StringField(doc.Data, "dateKey"),
				Title:       docstore.StringField(doc.Data, "title"),
				Description: docstore.StringField(doc.Data, "description"),
				PhotoRef:    docstore.StringField(doc.Data, "photoRef"),
			}
		},
		subjectOf:  func(entry Milestone) string { return entry.SubjectID },
		dateKeyOf:  func(entry Milestone) string { return entry.DateKey },
		remoteIDOf: func(entry Milestone) string { return entry.RemoteID },
		withRemote: func(entry Milestone, remoteID string) Milestone {
			entry.RemoteID = remoteID
			return entry
		},
		logger: logger,
	}}, nil
}

// Append stores one milestone. Like growth entries, milestones require
// remote connectivity to write.
func (l *MilestoneLedger) Append(ctx context.Context, entry Milestone) (AppendResult[Milestone], error) {
	return l.core.append(ctx, entry)
}

// List returns the subject's milestones newest-first, falling back to the
// local mirror when the remote read fails.
func (l *MilestoneLedger) List(ctx context.Context, subjectID string) ([]Milestone, error) {
	return l.core.list(ctx, subjectID)
}

// Remove deletes one milestone remotely and from the local mirror.
func (l *MilestoneLedger) Remove(ctx context.Context, subjectID, remoteID string) error {
	return l.core.remove(ctx, subjectID, remoteID)
}
