// Package processor drives the processing pipeline for one dataset URL:
// resolve cache path, materialize the clone, collect statistics, commit.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dsregistry/dsregistry/internal/cachepath"
	"github.com/dsregistry/dsregistry/internal/errs"
	"github.com/dsregistry/dsregistry/internal/locker"
	"github.com/dsregistry/dsregistry/internal/store"
	"github.com/dsregistry/dsregistry/internal/telemetry"
	"github.com/dsregistry/dsregistry/internal/vcs"
)

// VCS is the slice of vcs.Client the processor needs.
type VCS interface {
	Materialize(ctx context.Context, url, cachePath string) (vcs.RepoSnapshot, error)
	CollectAnnexStats(ctx context.Context, cachePath string) (vcs.AnnexStats, error)
	ReadDatasetID(cachePath string) (string, error)
}

// Processor owns the per-URL processing state machine. A URL only ever moves
// unprocessed -> processed; failed runs record the check timestamp and leave
// everything else untouched.
type Processor struct {
	store     store.Store
	resolver  *cachepath.Resolver
	vcs       VCS
	locks     locker.Locker
	telemetry *telemetry.Telemetry
	logger    *zap.Logger

	now func() time.Time
}

func New(st store.Store, resolver *cachepath.Resolver, v VCS, locks locker.Locker, tel *telemetry.Telemetry, logger *zap.Logger) *Processor {
	return &Processor{
		store:     st,
		resolver:  resolver,
		vcs:       v,
		locks:     locks,
		telemetry: tel,
		logger:    logger.Named("processor"),
		now:       time.Now,
	}
}

func lockName(urlID uint) string {
	return fmt.Sprintf("process-url:%d", urlID)
}

// Process materializes and measures the dataset at the given URL id and
// commits the result atomically. At most one run per URL is in flight
// system-wide; a duplicate trigger returns ErrAlreadyProcessing and does
// nothing. Failed runs surface the materializer/collector error unmodified
// apart from wrapping; only last_chk_dt is persisted for them.
func (p *Processor) Process(ctx context.Context, urlID uint) error {
	started := p.now()

	rec, err := p.store.GetURL(ctx, urlID)
	if err != nil {
		return err
	}

	release, ok, err := p.locks.TryAcquire(ctx, lockName(urlID))
	if err != nil {
		return fmt.Errorf("acquiring processing lock for url %d: %w", urlID, err)
	}
	if !ok {
		p.telemetry.RecordProcessing(ctx, "locked", 0)
		return fmt.Errorf("url %d: %w", urlID, errs.ErrAlreadyProcessing)
	}
	defer release()

	cachePath := p.resolver.Resolve(rec.URL)
	if rec.CachePath != nil && *rec.CachePath != "" {
		cachePath = *rec.CachePath
	}

	log := p.logger.With(zap.Uint("url_id", urlID), zap.String("url", rec.URL))
	log.Info("processing dataset url", zap.String("cache_path", cachePath))

	snap, err := p.vcs.Materialize(ctx, rec.URL, cachePath)
	if err != nil {
		return p.fail(ctx, log, urlID, err)
	}

	annex, err := p.vcs.CollectAnnexStats(ctx, cachePath)
	if err != nil {
		return p.fail(ctx, log, urlID, err)
	}

	dsID, err := p.vcs.ReadDatasetID(cachePath)
	if err != nil {
		return p.fail(ctx, log, urlID, err)
	}

	fields := store.ProcessedFields{
		AnnexKeyCount:         annex.AnnexKeyCount,
		AnnexedFilesInWtCount: annex.AnnexedFilesInWtCount,
		AnnexedFilesInWtSize:  annex.AnnexedFilesInWtSize,
		Head:                  snap.Head,
		HeadDescribe:          snap.HeadDescribe,
		Branches:              snap.Branches,
		Tags:                  snap.Tags,
		GitObjectsKB:          snap.GitObjectsKB,
		CachePath:             cachePath,
		When:                  p.now(),
	}
	if dsID != "" {
		fields.DsID = &dsID
	}
	if annex.AnnexUUID != "" {
		fields.AnnexUUID = &annex.AnnexUUID
	}

	if err := p.store.CommitProcessed(ctx, urlID, fields); err != nil {
		return p.fail(ctx, log, urlID, err)
	}

	p.telemetry.RecordProcessing(ctx, "ok", p.now().Sub(started).Seconds())
	log.Info("dataset url processed",
		zap.String("head", snap.Head),
		zap.Int64("annex_key_count", annex.AnnexKeyCount),
		zap.Int64("git_objects_kb", snap.GitObjectsKB),
	)
	return nil
}

// fail records the check attempt and surfaces the error. No partial stats
// are persisted; the processed flag keeps its prior value.
func (p *Processor) fail(ctx context.Context, log *zap.Logger, urlID uint, cause error) error {
	if err := p.store.TouchCheck(ctx, urlID, p.now()); err != nil {
		log.Error("failed to record check attempt", zap.Error(err))
	}
	p.telemetry.RecordProcessing(ctx, outcomeOf(cause), 0)
	log.Warn("processing failed", zap.Error(cause))
	return fmt.Errorf("processing url %d: %w", urlID, cause)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, errs.ErrUnreachableSource):
		return "unreachable"
	case errors.Is(err, errs.ErrCorruptCache):
		return "corrupt"
	default:
		return "error"
	}
}
