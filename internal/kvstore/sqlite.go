package kvstore

import (
	"fmt"
	"sync"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type kvRecord struct {
	Key   string `gorm:"column:kv_key;primaryKey;size:190;not null"`
	Value string `gorm:"column:kv_value;type:text;not null"`
}

func (kvRecord) TableName() string {
	return "local_kv"
}

// SQLite is a durable Store backed by a single-connection SQLite database,
// so offline writes survive a process restart. Write failures are logged
// and otherwise swallowed: the Store contract is synchronous and the remote
// store remains the source of truth.
type SQLite struct {
	mu     sync.Mutex
	db     *gorm.DB
	logger *zap.Logger
}

// OpenSQLite establishes a SQLite connection at path and migrates the
// key-value schema.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("kvstore: database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&kvRecord{}); err != nil {
		return nil, err
	}

	return &SQLite{db: db, logger: logger}, nil
}

// NewSQLite wraps an already-open gorm handle. The caller is responsible
// for having migrated the schema (OpenSQLite does both).
func NewSQLite(db *gorm.DB, logger *zap.Logger) (*SQLite, error) {
	if db == nil {
		return nil, fmt.Errorf("kvstore: database handle is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&kvRecord{}); err != nil {
		return nil, err
	}
	return &SQLite{db: db, logger: logger}, nil
}

// Get implements Store.
func (s *SQLite) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record kvRecord
	err := s.db.Where("kv_key = ?", key).Take(&record).Error
	if err != nil {
		return "", false
	}
	return record.Value, true
}

// Set implements Store.
func (s *SQLite) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"kv_value"}),
	}).Create(&kvRecord{Key: key, Value: value}).Error
	if err != nil {
		s.logger.Warn("local kv write failed", zap.String("key", key), zap.Error(err))
	}
}
