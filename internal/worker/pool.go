// Package worker dispatches processing and extraction jobs onto a bounded
// pool. It owns the retry and timeout policy the core deliberately does not:
// transient fetch failures are retried with backoff, each run is bounded by
// the configured operation timeout, and cancellation means "do not start",
// never "abort in place".
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dsregistry/dsregistry/internal/errs"
	"github.com/dsregistry/dsregistry/internal/extract"
	"github.com/dsregistry/dsregistry/internal/model"
	"github.com/dsregistry/dsregistry/internal/processor"
	"github.com/dsregistry/dsregistry/internal/store"
)

type jobKind int

const (
	jobProcess jobKind = iota
	jobExtract
)

// Job is one unit of background work.
type Job struct {
	kind      jobKind
	urlID     uint
	extractor string
	params    model.ParamMap
}

// Pool runs jobs on a fixed number of workers.
type Pool struct {
	processor *processor.Processor
	extractor *extract.Service
	store     store.Store
	logger    *zap.Logger

	jobs      chan Job
	group     *errgroup.Group
	cancel    context.CancelFunc
	workers   int
	opTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewPool(p *processor.Processor, e *extract.Service, st store.Store, workers int, opTimeout time.Duration, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		processor: p,
		extractor: e,
		store:     st,
		logger:    logger.Named("worker"),
		jobs:      make(chan Job, workers*16),
		workers:   workers,
		opTimeout: opTimeout,
	}
}

// Start launches the workers. They drain the queue until Close is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p.group = g

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for job := range p.jobs {
				if ctx.Err() != nil {
					// Shutting down: skip remaining jobs rather than abort
					// one mid-clone.
					continue
				}
				p.run(ctx, job)
			}
			return nil
		})
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.workers))
}

// Close stops accepting jobs and waits for in-flight runs to finish. Safe to
// call with triggers still arriving; late triggers are dropped.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.jobs)
	if p.group != nil {
		_ = p.group.Wait()
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Info("worker pool stopped")
}

// EnqueueProcess queues a processing run. Returns false when the queue is
// full; the trigger is dropped, not blocked on.
func (p *Pool) EnqueueProcess(urlID uint) bool {
	return p.enqueue(Job{kind: jobProcess, urlID: urlID})
}

// EnqueueExtract queues a metadata extraction run.
func (p *Pool) EnqueueExtract(urlID uint, extractor string, params model.ParamMap) bool {
	return p.enqueue(Job{kind: jobExtract, urlID: urlID, extractor: extractor, params: params})
}

func (p *Pool) enqueue(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warn("pool closed, dropping trigger", zap.Uint("url_id", job.urlID))
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		p.logger.Warn("job queue full, dropping trigger", zap.Uint("url_id", job.urlID))
		return false
	}
}

func (p *Pool) run(ctx context.Context, job Job) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	switch job.kind {
	case jobProcess:
		err := retry.Do(
			func() error {
				return p.processor.Process(ctx, job.urlID)
			},
			retry.Attempts(3),
			retry.DelayType(retry.BackOffDelay),
			retry.Context(ctx),
			retry.RetryIf(func(err error) bool {
				// Only transient fetch failures are worth retrying; a held
				// lock means another run is already doing the work.
				return errors.Is(err, errs.ErrUnreachableSource)
			}),
			retry.OnRetry(func(n uint, err error) {
				p.logger.Warn("retrying processing run",
					zap.Uint("url_id", job.urlID), zap.Uint("attempt", n+1), zap.Error(err))
			}),
		)
		if err != nil && !errors.Is(err, errs.ErrAlreadyProcessing) {
			p.logger.Error("processing run failed", zap.Uint("url_id", job.urlID), zap.Error(err))
		}
	case jobExtract:
		status, err := p.extractor.ExtractMeta(ctx, job.urlID, job.extractor, job.params)
		if err != nil {
			p.logger.Error("extraction run failed",
				zap.Uint("url_id", job.urlID), zap.String("extractor", job.extractor), zap.Error(err))
			return
		}
		p.logger.Info("extraction run finished",
			zap.Uint("url_id", job.urlID), zap.String("extractor", job.extractor), zap.String("status", string(status)))
	}
}

// SweepStale enqueues a re-processing run for every processed URL whose last
// check is older than the given interval. Called periodically by the app.
func (p *Pool) SweepStale(ctx context.Context, olderThan time.Duration) error {
	ids, err := p.store.StaleProcessedURLs(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !p.EnqueueProcess(id) {
			break
		}
	}
	if len(ids) > 0 {
		p.logger.Info("stale sweep enqueued", zap.Int("count", len(ids)))
	}
	return nil
}
