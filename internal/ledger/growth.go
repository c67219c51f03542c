package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nestlog/nestlog/internal/docstore"
	"github.com/nestlog/nestlog/internal/kvstore"
)

// GrowthEntry is one body-measurement record for one subject.
type GrowthEntry struct {
	RemoteID  string  `json:"remoteId,omitempty"`
	SubjectID string  `json:"subjectId"`
	DateKey   string  `json:"dateKey"`
	HeightCm  float64 `json:"heightCm,omitempty"`
	WeightKg  float64 `json:"weightKg,omitempty"`
	HeadCm    float64 `json:"headCm,omitempty"`
	Note      string  `json:"note,omitempty"`
}

// GrowthLedgerConfig describes the collaborators a GrowthLedger needs.
type GrowthLedgerConfig struct {
	Remote    docstore.Client
	Local     kvstore.Store
	KeyPrefix string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// GrowthLedger stores growth entries remote-first, mirroring successful
// writes into the local cache for offline reads.
type GrowthLedger struct {
	core core[GrowthEntry]
}

// NewGrowthLedger constructs a GrowthLedger.
func NewGrowthLedger(cfg GrowthLedgerConfig) (*GrowthLedger, error) {
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
	return &GrowthLedger{core: core[GrowthEntry]{
		remote:     cfg.Remote,
		local:      cfg.Local,
		collection: docstore.CollectionGrowth,
		cacheKey: func(subjectID string) string {
			return kvstore.GrowthKey(prefix, subjectID)
		},
		encode: func(entry GrowthEntry) map[string]any {
			data := map[string]any{
				"subjectId": entry.SubjectID,
				"dateKey":   entry.DateKey,
				"createdAt": clock().UnixMilli(),
			}
			if entry.HeightCm != 0 {
				data["heightCm"] = entry.HeightCm
			}
			if entry.WeightKg != 0 {
				data["weightKg"] = entry.WeightKg
			}
			if entry.HeadCm != 0 {
				data["headCm"] = entry.HeadCm
			}
			if entry.Note != "" {
				data["note"] = entry.Note
			}
			return data
		},
		decode: func(doc docstore.Document) GrowthEntry {
			return GrowthEntry{
				RemoteID:  doc.ID,
				SubjectID: docstore.StringField(doc.Data, "subjectId"),
				DateKey:   docstore.StringField(doc.Data, "dateKey"),
				HeightCm:  docstore.Float64Field(doc.Data, "heightCm"),
				WeightKg:  docstore.Float64Field(doc.Data, "weightKg"),
				HeadCm:    docstore.Float64Field(doc.Data, "headCm"),
				Note:      docstore.StringField(doc.Data, "note"),
			}
		},
		subjectOf:  func(entry GrowthEntry) string { return entry.SubjectID },
		dateKeyOf:  func(entry GrowthEntry) string { return entry.DateKey },
		remoteIDOf: func(entry GrowthEntry) string { return entry.RemoteID },
		withRemote: func(entry GrowthEntry, remoteID string) GrowthEntry {
			entry.RemoteID = remoteID
			return entry
		},
		logger: logger,
	}}, nil
}

// Append stores one growth entry. It fails when the remote store is
// unreachable; growth data has no offline write path.
func (l *GrowthLedger) Append(ctx context.Context, entry GrowthEntry) (AppendResult[GrowthEntry], error) {
	return l.core.append(ctx, entry)
}

// List returns the subject's growth entries newest-first, falling back to
// the local mirror when the remote read fails.
func (l *GrowthLedger) List(ctx context.Context, subjectID string) ([]GrowthEntry, error) {
	return l.core.list(ctx, subjectID)
}

// Remove deletes one growth entry remotely and from the local mirror. A
// remotely missing entry is not an error.
func (l *GrowthLedger) Remove(ctx context.Context, subjectID, remoteID string) error {
	return l.core.remove(ctx, subjectID, remoteID)
}
