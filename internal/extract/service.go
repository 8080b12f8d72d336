package extract

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dsregistry/dsregistry/internal/errs"
	"github.com/dsregistry/dsregistry/internal/model"
	"github.com/dsregistry/dsregistry/internal/store"
	"github.com/dsregistry/dsregistry/internal/telemetry"
)

// Status is the outcome of a metadata extraction run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Describer captures the repository state (HEAD commit, describe string) at
// extraction time. Implemented by vcs.Client.
type Describer interface {
	Describe(ctx context.Context, cachePath string) (head, describe string, err error)
}

// Service orchestrates metadata extraction for processed dataset URLs.
type Service struct {
	store     store.Store
	registry  *Registry
	describer Describer
	telemetry *telemetry.Telemetry
	logger    *zap.Logger
}

func NewService(st store.Store, registry *Registry, describer Describer, tel *telemetry.Telemetry, logger *zap.Logger) *Service {
	return &Service{
		store:     st,
		registry:  registry,
		describer: describer,
		telemetry: tel,
		logger:    logger.Named("extract"),
	}
}

// ExtractMeta runs the named extractor against the cached clone of the given
// URL and persists the result, replacing any prior result for the same
// (url, extractor, parameters) key. The URL must exist and be processed;
// extraction on an unprocessed URL is an ordering error, not a retryable
// condition.
func (s *Service) ExtractMeta(ctx context.Context, urlID uint, extractorName string, params model.ParamMap) (Status, error) {
	rec, err := s.store.GetURL(ctx, urlID)
	if err != nil {
		return StatusFailed, err
	}
	if !rec.Processed {
		return StatusFailed, fmt.Errorf("url %d has not been processed: %w", urlID, errs.ErrPreconditionNotMet)
	}
	if rec.CachePath == nil || *rec.CachePath == "" {
		// The data model guarantees processed implies a cache path; reaching
		// this is a defect, not a caller error.
		return StatusFailed, fmt.Errorf("invariant violation: processed url %d has no cache path", urlID)
	}

	ext, err := s.registry.Get(extractorName)
	if err != nil {
		return StatusFailed, err
	}
	if params == nil {
		params = model.ParamMap{}
	}

	head, describe, err := s.describer.Describe(ctx, *rec.CachePath)
	if err != nil {
		s.telemetry.RecordExtraction(ctx, string(StatusFailed))
		return StatusFailed, fmt.Errorf("capturing dataset version for url %d: %w", urlID, err)
	}

	doc, err := ext.Extract(ctx, *rec.CachePath, params)
	if errors.Is(err, ErrNotApplicable) {
		s.telemetry.RecordExtraction(ctx, string(StatusSkipped))
		s.logger.Info("extractor not applicable",
			zap.Uint("url_id", urlID), zap.String("extractor", extractorName))
		return StatusSkipped, nil
	}
	if err != nil {
		s.telemetry.RecordExtraction(ctx, string(StatusFailed))
		return StatusFailed, fmt.Errorf("extractor %q on url %d: %w", extractorName, urlID, err)
	}

	meta := &model.URLMetadata{
		URLID:               urlID,
		ExtractorName:       extractorName,
		ExtractionParameter: params,
		DatasetVersion:      head,
		DatasetDescribe:     describe,
		ExtractedMetadata:   doc,
	}
	if err := s.store.UpsertMetadata(ctx, meta); err != nil {
		s.telemetry.RecordExtraction(ctx, string(StatusFailed))
		return StatusFailed, err
	}

	s.telemetry.RecordExtraction(ctx, string(StatusSucceeded))
	s.logger.Info("metadata extracted",
		zap.Uint("url_id", urlID),
		zap.String("extractor", extractorName),
		zap.String("dataset_version", head),
	)
	return StatusSucceeded, nil
}
