// Package server builds the application's dependencies from configuration and
// runs them either once or as a long-lived service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/lyricsdb/internal/api"
	"github.com/JakeFAU/lyricsdb/internal/clock/system"
	"github.com/JakeFAU/lyricsdb/internal/config"
	collyfetcher "github.com/JakeFAU/lyricsdb/internal/fetcher/colly"
	"github.com/JakeFAU/lyricsdb/internal/fetcher/lrchub"
	"github.com/JakeFAU/lyricsdb/internal/hash/sha256"
	"github.com/JakeFAU/lyricsdb/internal/id/uuid"
	"github.com/JakeFAU/lyricsdb/internal/logging"
	"github.com/JakeFAU/lyricsdb/internal/lrc"
	"github.com/JakeFAU/lyricsdb/internal/lyrics"
	"github.com/JakeFAU/lyricsdb/internal/metrics"
	pubsubnotify "github.com/JakeFAU/lyricsdb/internal/notify/pubsub"
	"github.com/JakeFAU/lyricsdb/internal/pipeline"
	"github.com/JakeFAU/lyricsdb/internal/policy/ratelimit"
	"github.com/JakeFAU/lyricsdb/internal/policy/retry"
	gcspublish "github.com/JakeFAU/lyricsdb/internal/publish/gcs"
	localpublish "github.com/JakeFAU/lyricsdb/internal/publish/local"
	memorypublish "github.com/JakeFAU/lyricsdb/internal/publish/memory"
	"github.com/JakeFAU/lyricsdb/internal/registry/github"
	runlogmemory "github.com/JakeFAU/lyricsdb/internal/runlog/memory"
	pgrunlog "github.com/JakeFAU/lyricsdb/internal/runlog/postgres"
	"github.com/JakeFAU/lyricsdb/internal/snapshot"
	"github.com/JakeFAU/lyricsdb/internal/storage/sqlite"
	"github.com/JakeFAU/lyricsdb/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	pipeline  *pipeline.Pipeline
	apiServer *api.Server

	store          *sqlite.Store
	runLog         lyrics.RunLog
	pgRunLog       *pgrunlog.Store
	gcsClient      *storage.Client
	pubsubClient   *pubsub.Client
	notifier       *pubsubnotify.Notifier
	tracerShutdown telemetry.Shutdown
}

// Build creates the application's dependencies. A nil logger builds one from cfg.Logging.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			Service:     cfg.Telemetry.ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("cleanup after failed build", zap.Error(cerr))
			}
			app = nil
		}
	}()

	metrics.Init()
	app.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Exporter:    cfg.Telemetry.Exporter,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return app, fmt.Errorf("tracer init failed: %w", err)
	}

	logger.Info("building application dependencies",
		zap.String("org", cfg.GitHub.Org),
		zap.String("database", cfg.Database.Path),
		zap.String("publish_backend", cfg.Publish.Backend),
		zap.String("runlog_backend", cfg.RunLog.Backend),
	)

	clock := system.New()
	app.store, err = sqlite.Open(ctx, sqlite.Options{
		Path:         cfg.Database.Path,
		BatchSize:    cfg.Database.BatchSize,
		WriteRetries: cfg.Database.WriteRetries,
		Clock:        clock,
		Logger:       logger,
	})
	if err != nil {
		return app, fmt.Errorf("open lyric store: %w", err)
	}

	budget := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.Rate.RequestsPerSecond,
		Burst:             cfg.Rate.Burst,
		Reserve:           cfg.Rate.Reserve,
	}, logger)

	registry, err := github.New(ctx, github.Config{
		Org:             cfg.GitHub.Org,
		Token:           cfg.GitHub.Token,
		APIBaseURL:      cfg.GitHub.APIBaseURL,
		IncludeArchived: cfg.GitHub.IncludeArchived,
		NamePattern:     cfg.GitHub.NamePattern,
		Timeout:         cfg.HTTPTimeout(),
	}, nil, budget, logger)
	if err != nil {
		return app, fmt.Errorf("source registry init failed: %w", err)
	}

	transport := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.HTTPTimeout(),
		MaxBodyBytes: int(cfg.HTTP.MaxBodyBytes),
	}, nil)
	fetcher := lrchub.New(lrchub.Config{
		RawBaseURL: cfg.Crawler.RawBaseURL,
		Branch:     cfg.Crawler.Branch,
	}, transport, budget, clock, logger)
	logger.Info("using colly transport", zap.String("user_agent", cfg.Crawler.UserAgent))

	parser := lrc.New(sha256.New(), lrc.Options{
		Quality: lrc.QualityOptions{
			Enabled:     cfg.Quality.Enabled,
			MinLines:    cfg.Quality.MinLines,
			MinChars:    cfg.Quality.MinChars,
			MinDuration: cfg.MinDuration(),
			Languages:   cfg.Quality.Languages,
		},
		DurationBucket: cfg.DurationBucket(),
	}, logger)

	exporter, err := snapshot.New(snapshot.Config{
		WorkDir: cfg.Snapshot.WorkDir,
		Quality: cfg.Snapshot.Quality,
		Name:    cfg.Publish.Object,
	}, app.store, clock, logger)
	if err != nil {
		return app, fmt.Errorf("snapshot exporter init failed: %w", err)
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return app, err
	}
	if err = setupNotifier(ctx, app); err != nil {
		return app, err
	}
	if err = setupRunLog(ctx, app); err != nil {
		return app, err
	}

	deps := pipeline.Deps{
		Registry:    registry,
		Ledger:      app.store,
		Checkpoints: app.store,
		Tracks:      app.store,
		Fetcher:     fetcher,
		Parser:      parser,
		Exporter:    exporter,
		Publisher:   publisher,
		RunLog:      app.runLog,
		IDs:         uuid.New(),
		Clock:       clock,
		Logger:      logger,
	}
	if app.notifier != nil {
		deps.Notifier = app.notifier
	}
	app.pipeline, err = pipeline.New(pipeline.Config{
		Concurrency: cfg.Crawler.Concurrency,
		Deadline:    cfg.RunDeadline(),
		TextDedup:   cfg.Dedup.Text,
		Retry: retry.Config{
			MaxRetries: cfg.HTTP.MaxRetries,
			BaseDelay:  time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
			MaxDelay:   time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
		},
	}, deps)
	if err != nil {
		return app, fmt.Errorf("pipeline init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.pipeline, app.runLog, app.store.Ping, cfg, logger)
	return app, nil
}

func setupPublisher(ctx context.Context, app *App) (lyrics.ArtifactPublisher, error) {
	cfg := app.cfg.Publish
	switch cfg.Backend {
	case config.PublishGCS:
		app.logger.Info("using GCS publish backend", zap.String("bucket", cfg.Bucket))
		var err error
		app.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		pub, err := gcspublish.New(app.gcsClient, gcspublish.Config{
			Bucket: cfg.Bucket,
			Prefix: cfg.Prefix,
			Object: cfg.Object,
		}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs publisher init failed: %w", err)
		}
		return pub, nil
	case config.PublishLocal:
		app.logger.Info("using local publish backend", zap.String("dir", cfg.Dir))
		pub, err := localpublish.New(localpublish.Config{Dir: cfg.Dir, Name: cfg.Object}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("local publisher init failed: %w", err)
		}
		return pub, nil
	default:
		app.logger.Warn("using in-memory publish backend; artifacts are not persisted")
		return memorypublish.New(cfg.Object), nil
	}
}

func setupNotifier(ctx context.Context, app *App) error {
	cfg := app.cfg.PubSub
	if cfg.TopicName == "" || cfg.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, snapshot notifications disabled")
		return nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.notifier = pubsubnotify.New(app.pubsubClient.Topic(cfg.TopicName))
	app.logger.Info("Pub/Sub notifier initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return nil
}

func setupRunLog(ctx context.Context, app *App) error {
	cfg := app.cfg.RunLog
	if cfg.Backend != config.RunLogPostgres {
		app.runLog = runlogmemory.New()
		return nil
	}
	store, err := pgrunlog.New(ctx, pgrunlog.Config{
		DSN:      cfg.DSN,
		Table:    cfg.Table,
		MaxConns: cfg.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("run log init failed: %w", err)
	}
	app.pgRunLog = store
	app.runLog = store
	app.logger.Info("postgres run log initialized", zap.String("table", cfg.Table))
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// RunOnce executes a single run.
func (a *App) RunOnce(ctx context.Context) (lyrics.RunReport, error) {
	report, err := a.pipeline.RunOnce(ctx)
	if err != nil {
		return report, fmt.Errorf("run once: %w", err)
	}
	return report, nil
}

// Serve starts the HTTP API and, when an interval is configured, a run ticker.
// It blocks until ctx is canceled or the listener fails.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	if interval := a.cfg.Interval(); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.schedule(ctx, interval)
		}()
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("triggered runs did not finish", zap.Error(err))
	}
	wg.Wait()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// schedule calls RunOnce every interval until ctx ends. A tick that lands while a
// run is active is dropped.
func (a *App) schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	a.logger.Info("run schedule started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := a.pipeline.RunOnce(ctx)
			switch {
			case errors.Is(err, pipeline.ErrRunInProgress):
				a.logger.Info("scheduled run skipped, previous run still active")
			case err != nil:
				a.logger.Error("scheduled run failed", zap.String("run_id", report.RunID), zap.Error(err))
			}
		}
	}
}

// Close releases every resource the App opened.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.notifier != nil {
		a.notifier.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub client close: %w", err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
	if a.pgRunLog != nil {
		a.pgRunLog.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
