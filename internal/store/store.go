// Package store provides transactional access to the URL catalog.
package store

import (
	"context"
	"time"

	"github.com/dsregistry/dsregistry/internal/model"
)

// ProcessedFields carries everything a successful processing run determined
// about a URL. CommitProcessed persists it as one atomic update.
type ProcessedFields struct {
	DsID      *string
	AnnexUUID *string

	AnnexKeyCount         int64
	AnnexedFilesInWtCount int64
	AnnexedFilesInWtSize  int64

	Head         string
	HeadDescribe string
	Branches     []string
	Tags         []string
	GitObjectsKB int64

	CachePath string
	When      time.Time
}

// Store is the persistence interface consumed by the processing and
// extraction pipelines.
type Store interface {
	// CreateURL registers a URL, returning the existing record if the URL is
	// already known. The second return reports whether a row was created.
	CreateURL(ctx context.Context, url string) (*model.RepoURL, bool, error)

	// GetURL returns the URL record by id, or errs.ErrNotFound.
	GetURL(ctx context.Context, id uint) (*model.RepoURL, error)

	// CommitProcessed atomically persists the results of a successful
	// processing run: all stats fields, cache path, ds_id, processed=true and
	// both timestamps update together or not at all.
	CommitProcessed(ctx context.Context, id uint, fields ProcessedFields) error

	// TouchCheck records a check attempt without touching any other field.
	TouchCheck(ctx context.Context, id uint, when time.Time) error

	// UpsertMetadata inserts or replaces the metadata row identified by
	// (url_id, extractor_name, extraction_parameter).
	UpsertMetadata(ctx context.Context, m *model.URLMetadata) error

	// MetadataForURL returns all metadata rows for a URL.
	MetadataForURL(ctx context.Context, urlID uint) ([]model.URLMetadata, error)

	// GetMetadata returns one metadata row by id, or errs.ErrNotFound.
	GetMetadata(ctx context.Context, id uint) (*model.URLMetadata, error)

	// StaleProcessedURLs returns ids of processed URLs whose last check is
	// older than the given time, for the periodic re-check sweep.
	StaleProcessedURLs(ctx context.Context, before time.Time) ([]uint, error)
}
