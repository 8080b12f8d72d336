package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dsregistry/dsregistry/internal/cachepath"
	"github.com/dsregistry/dsregistry/internal/catalog"
	"github.com/dsregistry/dsregistry/internal/config"
	"github.com/dsregistry/dsregistry/internal/extract"
	"github.com/dsregistry/dsregistry/internal/handlers"
	"github.com/dsregistry/dsregistry/internal/locker"
	"github.com/dsregistry/dsregistry/internal/processor"
	"github.com/dsregistry/dsregistry/internal/router"
	"github.com/dsregistry/dsregistry/internal/store"
	"github.com/dsregistry/dsregistry/internal/telemetry"
	"github.com/dsregistry/dsregistry/internal/vcs"
	"github.com/dsregistry/dsregistry/internal/worker"
)

// App owns the wired service: store, worker pool and HTTP server.
type App struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server
	pool   *worker.Pool
}

func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	tel, err := telemetry.NewTelemetry(logger)
	if err != nil {
		return nil, err
	}

	var st *store.GormStore
	var locks locker.Locker
	if cfg.DatabaseURL != "" {
		st, err = store.Open(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		locks = locker.NewPostgres(st.DB(), logger)
	} else {
		logger.Warn("REGISTRY_DB_URL not set, using in-memory sqlite store")
		st, err = store.OpenSQLite("file::memory:?cache=shared", logger)
		if err != nil {
			return nil, err
		}
		locks = locker.NewInProcess()
	}

	resolver := cachepath.NewResolver(cfg.DatasetCache)
	vcsClient := vcs.NewClient(logger)

	proc := processor.New(st, resolver, vcsClient, locks, tel, logger)
	registry := extract.NewRegistry(
		extract.NewCoreExtractor(vcsClient),
		extract.NewDataladExtractor(vcsClient),
	)
	extractor := extract.NewService(st, registry, vcsClient, tel, logger)
	pool := worker.NewPool(proc, extractor, st, cfg.Workers, cfg.OpTimeout, logger)

	engine := catalog.NewEngine(st.DB(), resolver, logger)

	limiter := rate.NewLimiter(rate.Limit(cfg.RPSLimit), cfg.RPSBurst)
	handlerList := []router.Handler{
		handlers.NewDatasetURLsHandler(st, engine, pool),
		handlers.NewHealthHandler(),
	}
	appRouter := router.NewRouter(limiter, tel, logger, handlerList)
	server := appRouter.CreateServer(":" + cfg.Port)

	return &App{
		config: cfg,
		logger: logger,
		server: server,
		pool:   pool,
	}, nil
}

func (app *App) start(ctx context.Context) {
	app.pool.Start(ctx)

	if app.config.RecheckInterval > 0 {
		go app.recheckLoop(ctx)
	}

	go func() {
		app.logger.Info("starting server", zap.String("port", app.config.Port))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Fatal("server failed to start", zap.Error(err))
		}
	}()
}

// recheckLoop periodically re-enqueues processed URLs that have not been
// checked within the configured interval.
func (app *App) recheckLoop(ctx context.Context) {
	ticker := time.NewTicker(app.config.RecheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := app.pool.SweepStale(ctx, app.config.RecheckInterval); err != nil {
				app.logger.Error("stale sweep failed", zap.Error(err))
			}
		}
	}
}

func (app *App) stop() error {
	app.logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := app.server.Shutdown(shutdownCtx)
	if err != nil {
		app.logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Let in-flight processing runs finish; aborting a clone mid-flight
	// risks a corrupt cache on the next attempt.
	app.pool.Close()

	app.logger.Info("server exited gracefully")
	return err
}

// Run starts the application and blocks until a shutdown signal arrives.
func (app *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.start(ctx)

	<-ctx.Done()

	return app.stop()
}
