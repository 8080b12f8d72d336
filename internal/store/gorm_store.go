package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dsregistry/dsregistry/internal/errs"
	"github.com/dsregistry/dsregistry/internal/model"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore implements Store on top of a gorm connection.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to Postgres, runs migrations and returns the store.
func Open(dsn string, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	return newGormStore(db, logger)
}

// OpenSQLite opens a SQLite-backed store. Used for local development and
// tests; dsn ":memory:" gives a private in-memory database.
func OpenSQLite(dsn string, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}
	// An in-memory sqlite database is per-connection; pin the pool to one so
	// every session sees the same database.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return newGormStore(db, logger)
}

func newGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&model.RepoURL{}, &model.URLMetadata{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}
	logger.Named("store").Info("store initialized")
	return &GormStore{db: db, logger: logger.Named("store")}, nil
}

// DB exposes the underlying gorm connection for the catalog query engine and
// the advisory-lock service.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) CreateURL(ctx context.Context, url string) (*model.RepoURL, bool, error) {
	var rec model.RepoURL
	res := s.db.WithContext(ctx).Where("url = ?", url).FirstOrCreate(&rec, model.RepoURL{URL: url})
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to register url: %w", res.Error)
	}
	return &rec, res.RowsAffected > 0, nil
}

func (s *GormStore) GetURL(ctx context.Context, id uint) (*model.RepoURL, error) {
	var rec model.RepoURL
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("dataset url %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) CommitProcessed(ctx context.Context, id uint, fields ProcessedFields) error {
	when := fields.When
	res := s.db.WithContext(ctx).Model(&model.RepoURL{}).Where("id = ?", id).Updates(map[string]any{
		"ds_id":                     fields.DsID,
		"annex_uuid":                fields.AnnexUUID,
		"annex_key_count":           fields.AnnexKeyCount,
		"annexed_files_in_wt_count": fields.AnnexedFilesInWtCount,
		"annexed_files_in_wt_size":  fields.AnnexedFilesInWtSize,
		"head":                      fields.Head,
		"head_describe":             fields.HeadDescribe,
		"branches":                  model.StringList(fields.Branches),
		"tags":                      model.StringList(fields.Tags),
		"git_objects_kb":            fields.GitObjectsKB,
		"cache_path":                fields.CachePath,
		"processed":                 true,
		"last_update_dt":            when,
		"last_chk_dt":               when,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to commit processing result: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("dataset url %d: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (s *GormStore) TouchCheck(ctx context.Context, id uint, when time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.RepoURL{}).Where("id = ?", id).
		Update("last_chk_dt", when)
	if res.Error != nil {
		return fmt.Errorf("failed to record check attempt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("dataset url %d: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (s *GormStore) UpsertMetadata(ctx context.Context, m *model.URLMetadata) error {
	if m.ExtractionParameter == nil {
		m.ExtractionParameter = model.ParamMap{}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "url_id"}, {Name: "extractor_name"}, {Name: "extraction_parameter"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"dataset_version", "dataset_describe", "extracted_metadata",
		}),
	}).Create(m).Error
	if err != nil {
		return fmt.Errorf("failed to upsert metadata: %w", err)
	}
	return nil
}

func (s *GormStore) MetadataForURL(ctx context.Context, urlID uint) ([]model.URLMetadata, error) {
	var rows []model.URLMetadata
	err := s.db.WithContext(ctx).Where("url_id = ?", urlID).Order("id asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return rows, nil
}

func (s *GormStore) GetMetadata(ctx context.Context, id uint) (*model.URLMetadata, error) {
	var rec model.URLMetadata
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("url metadata %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) StaleProcessedURLs(ctx context.Context, before time.Time) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&model.RepoURL{}).
		Where("processed = ? AND (last_chk_dt IS NULL OR last_chk_dt < ?)", true, before).
		Order("id asc").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select stale urls: %w", err)
	}
	return ids, nil
}
