// Package syncserver is the remote side of the document-store contract: a
// gin HTTP API over a sqlite-backed document table, with a server-sent-event
// stream that fans out collection changes to connected devices.
package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nestlog/nestlog/internal/docstore"
)

// DocumentRecord is the persisted form of one document. Data is stored as
// a JSON blob; filtering happens in-process after decoding, never in SQL,
// so query semantics stay identical to the in-memory client.
type DocumentRecord struct {
	Collection      string `gorm:"column:collection;primaryKey;size:64;not null"`
	DocID           string `gorm:"column:doc_id;primaryKey;size:64;not null"`
	DataJSON        string `gorm:"column:data_json;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

func (DocumentRecord) TableName() string {
	return "documents"
}

// StorageConfig describes the collaborators a Storage needs.
type StorageConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Storage reads and writes documents in the database.
type Storage struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStorage constructs a Storage.
func NewStorage(cfg StorageConfig) (*Storage, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("syncserver: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Storage{db: cfg.Database, clock: clock}, nil
}

// Add stores data as a new document and returns its generated id.
func (s *Storage) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.writeRecord(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// Get reads one document by id.
func (s *Storage) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	var record DocumentRecord
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return docstore.Document{}, fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
		}
		return docstore.Document{}, fmt.Errorf("syncserver: document read failed: %w", err)
	}
	data, err := decodeData(record.DataJSON)
	if err != nil {
		return docstore.Document{}, err
	}
	return docstore.Document{ID: id, Data: data}, nil
}

// Update merges data into an existing document.
func (s *Storage) Update(ctx context.Context, collection, id string, data map[string]any) error {
	existing, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	for key, value := range data {
		existing.Data[key] = value
	}
	return s.writeRecord(ctx, collection, id, existing.Data)
}

// Set overwrites (or creates) the document with exactly data.
func (s *Storage) Set(ctx context.Context, collection, id string, data map[string]any) error {
	return s.writeRecord(ctx, collection, id, data)
}

// Remove deletes the document by id.
func (s *Storage) Remove(ctx context.Context, collection, id string) error {
	result := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		Delete(&DocumentRecord{})
	if result.Error != nil {
		return fmt.Errorf("syncserver: document removal failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
	}
	return nil
}

// Query returns the documents in collection matching query.
func (s *Storage) Query(ctx context.Context, collection string, query docstore.Query) ([]docstore.Document, error) {
	var records []DocumentRecord
	err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("syncserver: document query failed: %w", err)
	}

	documents := make([]docstore.Document, 0, len(records))
	for _, record := range records {
		data, err := decodeData(record.DataJSON)
		if err != nil {
			return nil, err
		}
		documents = append(documents, docstore.Document{ID: record.DocID, Data: data})
	}
	return docstore.ApplyQuery(documents, query), nil
}

func (s *Storage) writeRecord(ctx context.Context, collection, id string, data map[string]any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("syncserver: document encoding failed: %w", err)
	}
	record := DocumentRecord{
		Collection:      collection,
		DocID:           id,
		DataJSON:        string(encoded),
		UpdatedAtMillis: s.clock().UnixMilli(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data_json", "updated_at_ms"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("syncserver: document write failed: %w", err)
	}
	return nil
}

func decodeData(raw string) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("syncserver: stored document unreadable: %w", err)
	}
	return data, nil
}
