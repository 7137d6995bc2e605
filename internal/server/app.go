// Package server builds the application's dependencies and runs the ingest service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/api"
	"github.com/JakeFAU/bookingwatch/internal/clock/system"
	"github.com/JakeFAU/bookingwatch/internal/collector"
	"github.com/JakeFAU/bookingwatch/internal/config"
	"github.com/JakeFAU/bookingwatch/internal/id/uuid"
	"github.com/JakeFAU/bookingwatch/internal/logging"
	"github.com/JakeFAU/bookingwatch/internal/metrics"
	"github.com/JakeFAU/bookingwatch/internal/persistence"
	"github.com/JakeFAU/bookingwatch/internal/pipeline"
	"github.com/JakeFAU/bookingwatch/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/bookingwatch/internal/publisher/pubsub"
	"github.com/JakeFAU/bookingwatch/internal/session"
	gcsstorage "github.com/JakeFAU/bookingwatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/bookingwatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/bookingwatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/bookingwatch/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/bookingwatch/internal/storage/sqlite"
	"github.com/JakeFAU/bookingwatch/internal/telemetry"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
	"github.com/JakeFAU/bookingwatch/internal/visual"
	"github.com/JakeFAU/bookingwatch/internal/visual/tesseract"
)

const fetchTimeout = 30 * time.Second

type recordStore interface {
	tracker.ConversionStore
	tracker.ConversionReader
	tracker.InteractionStore
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  tracker.Clock

	apiServer    *api.Server
	registry     *pipeline.Registry
	resolver     *session.Resolver
	limiter      *ratelimit.Limiter
	gateway      *persistence.Gateway
	pipelineCfg  pipeline.Config
	pipelineDeps pipeline.Deps

	gcsClient      *storage.Client
	publisher      *gcppublisher.Publisher
	ready          func(ctx context.Context) error
	closeRecords   func() error
	tracerShutdown func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies. The caller owns the returned App and must Close it.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("database", cfg.Database.Backend),
		zap.Bool("ocr", cfg.OCR.Enabled),
	)

	app.tracerShutdown, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	blobs, httpClient, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	records, err := a.setupDatabase(ctx)
	if err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	if err := a.setupGateway(records); err != nil {
		return err
	}

	a.pipelineCfg = pipeline.Config{
		Confidence:     a.cfg.Detection,
		Visual:         a.cfg.Visual,
		Keywords:       a.cfg.Tracker.Keywords,
		MaxDepth:       a.cfg.Scanner.MaxDepth,
		AllowedOrigins: a.cfg.Tracker.AllowedOrigins,
		Capture: collector.CaptureConfig{
			Interval: a.cfg.Tracker.CaptureInterval,
			Prefix:   a.cfg.Storage.Prefix,
		},
		TieWindow:    a.cfg.Tracker.TieWindow,
		SignedURLTTL: a.cfg.Storage.SignedURLTTL,
	}
	a.pipelineDeps = pipeline.Deps{
		Recorder:   a.gateway,
		Blobs:      blobs,
		History:    records,
		NewOCR:     a.ocrFactory(),
		HTTPClient: httpClient,
		Clock:      a.clock,
		Logger:     a.logger,
	}

	a.limiter = ratelimit.New(a.cfg.RateLimit)
	a.resolver = session.NewResolver(a.cfg.Tracker.SessionParam, a.clock, uuid.New())
	a.registry = pipeline.NewRegistry(
		func(sess tracker.Session) (*pipeline.Pipeline, error) {
			return a.NewPipeline(sess, nil)
		},
		a.cfg.Tracker.IdleTimeout,
		a.clock,
		a.logger,
		a.limiter.Forget,
	)

	a.apiServer, err = api.NewServer(a.cfg, api.Deps{
		Registry: a.registry,
		Resolver: a.resolver,
		Limiter:  a.limiter,
		Ready:    a.ready,
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("api server init failed: %w", err)
	}
	return nil
}

// NewPipeline builds and starts a session pipeline. capturer is nil for beacon-fed sessions.
func (a *App) NewPipeline(sess tracker.Session, capturer collector.Capturer) (*pipeline.Pipeline, error) {
	p, err := pipeline.New(sess, a.pipelineCfg, a.pipelineDeps, capturer)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		_ = p.Close(context.Background())
		return nil, err
	}
	return p, nil
}

// Resolver returns the session identity resolver.
func (a *App) Resolver() *session.Resolver {
	return a.resolver
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler of the ingest API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the ingest API until ctx is cancelled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.registry.Run(ctx, 0)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		// The API enforces WriteTimeout itself; the server limit leaves room to write the 503.
		WriteTimeout: a.cfg.Server.WriteTimeout + 5*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(err, closeErr)
	default:
		return closeErr
	}
}

// Close flushes live sessions and pending writes, then releases clients. It is idempotent.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.registry != nil {
			a.registry.Close(ctx)
		}
		if a.gateway != nil {
			if err := a.gateway.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("persistence gateway: %w", err))
			}
		}
		a.closeInfrastructure(&errs)
		a.logger.Info("shutdown complete")
		a.closeObservability(ctx)
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) closeInfrastructure(errs *[]error) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.closeRecords != nil {
		if err := a.closeRecords(); err != nil {
			*errs = append(*errs, fmt.Errorf("record store: %w", err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// setupStorage returns the screenshot store and the HTTP client the analyzer fetches its URLs with.
func (a *App) setupStorage(ctx context.Context) (tracker.BlobStore, *http.Client, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, &http.Client{Timeout: fetchTimeout}, nil
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		// Local URIs are absolute file:// paths.
		return blobs, visual.NewFileClient("/", fetchTimeout), nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil, nil
	}
}

func (a *App) setupDatabase(ctx context.Context) (recordStore, error) {
	db := a.cfg.Database
	switch db.Backend {
	case config.BackendPostgres:
		a.logger.Info("connecting to PostgreSQL")
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:               db.DSN,
			ConversionsTable:  db.ConversionsTable,
			InteractionsTable: db.InteractionsTable,
			MaxConns:          db.MaxConns,
			MinConns:          db.MinConns,
			MaxConnLifetime:   db.MaxConnLifetime,
			ConnectRetries:    db.ConnectRetries,
			Migrate:           db.Migrate,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.ready = store.Ping
		a.closeRecords = func() error {
			store.Close()
			return nil
		}
		return store, nil
	case config.BackendSQLite:
		a.logger.Info("using SQLite record store", zap.String("path", db.SQLitePath))
		store, err := sqlitestore.Open(ctx, db.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.ready = store.Ping
		a.closeRecords = store.Close
		return store, nil
	default:
		a.logger.Warn("using in-memory record store; conversions are lost on restart")
		return memorystorage.NewRecordStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Info("no Pub/Sub topic configured; conversion notifications disabled")
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return nil
}

func (a *App) setupGateway(records recordStore) error {
	sinks := []persistence.Sink{persistence.NewStoreSink(records)}
	if a.cfg.Logging.Development {
		sinks = append(sinks, persistence.NewLogSink(a.logger.Named("interactions")))
	}
	deps := persistence.Deps{
		Conversions:      records,
		IDs:              uuid.New(),
		Clock:            a.clock,
		Logger:           a.logger,
		InteractionSinks: sinks,
	}
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	gateway, err := persistence.NewGateway(persistence.Config{
		WriteTimeout:     a.cfg.Persistence.WriteTimeout,
		PublishRetention: a.cfg.Persistence.PublishRetention,
		Topic:            a.cfg.PubSub.Topic,
		Hub:              a.cfg.Persistence.Hub,
	}, deps)
	if err != nil {
		return fmt.Errorf("persistence gateway init failed: %w", err)
	}
	a.gateway = gateway
	return nil
}

func (a *App) ocrFactory() pipeline.EngineFactory {
	if !a.cfg.OCR.Enabled {
		return nil
	}
	languages := a.cfg.OCR.Languages
	return func() (visual.Engine, error) {
		engine, err := tesseract.New(languages)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
}
