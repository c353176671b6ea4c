package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// document is the single table backing GormStore: one row per key, the
// value opaque JSON, grounded on m0rjc-OsmDeviceAdapter's one-struct-per-
// table repository convention (internal/db/scoreoutbox).
type document struct {
	Key   string `gorm:"primaryKey"`
	Value []byte
}

func (document) TableName() string { return "hub_documents" }

// GormStore is a gorm-backed Store, usable with any gorm dialect; hubd
// wires it to sqlite by default (see NewSQLiteStore).
type GormStore struct {
	db *gorm.DB
}

func NewSQLiteStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	if err := db.AutoMigrate(&document{}); err != nil {
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Load(ctx context.Context, key string, out any) (bool, error) {
	var doc document
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(doc.Value, out); err != nil {
		return false, fmt.Errorf("sqlite store: decode %q: %w", key, err)
	}
	return true, nil
}

func (s *GormStore) Save(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sqlite store: encode %q: %w", key, err)
	}
	doc := document{Key: key, Value: b}
	return s.db.WithContext(ctx).Save(&doc).Error
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&document{}).Error
}
