// Package app builds the harvester's long-lived services from configuration
// and owns their startup and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/api"
	"github.com/JakeFAU/nfse-harvester/internal/browser/chrome"
	"github.com/JakeFAU/nfse-harvester/internal/config"
	"github.com/JakeFAU/nfse-harvester/internal/dedup"
	"github.com/JakeFAU/nfse-harvester/internal/execution"
	"github.com/JakeFAU/nfse-harvester/internal/harvest"
	"github.com/JakeFAU/nfse-harvester/internal/ingest"
	pgstore "github.com/JakeFAU/nfse-harvester/internal/ingest/postgres"
	"github.com/JakeFAU/nfse-harvester/internal/metrics"
	pubsubnotify "github.com/JakeFAU/nfse-harvester/internal/notify/pubsub"
	"github.com/JakeFAU/nfse-harvester/internal/pipeline"
	"github.com/JakeFAU/nfse-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/nfse-harvester/internal/progress/sinks"
	"github.com/JakeFAU/nfse-harvester/internal/schedule"
	gcsstorage "github.com/JakeFAU/nfse-harvester/internal/storage/gcs"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	hub       *progress.Hub
	cache     *dedup.Cache
	manager   *execution.Manager
	scheduler *schedule.Scheduler
	apiServer *api.Server

	recordStore  *pgstore.Store
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	topic        *pubsub.Topic

	closeOnce sync.Once
	closeErr  error
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	browser harvest.Browser
}

// WithBrowser replaces the Chrome browser, mainly for tests.
func WithBrowser(b harvest.Browser) Option {
	return func(o *buildOptions) { o.browser = b }
}

// Build creates the application's dependencies. Optional backends (Postgres,
// GCS, Pub/Sub) are only initialized when configured.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, registry: metrics.NewRegistry()}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("download_root", cfg.Dedup.Root),
		zap.Int("max_concurrent", cfg.Execution.MaxConcurrent),
	)

	ok := false
	defer func() {
		if !ok {
			a.closeInfrastructure(context.Background())
		}
	}()

	if err := a.setupProgress(); err != nil {
		return nil, err
	}

	a.cache = dedup.NewCache(cfg.Dedup.CacheTTL)
	a.cache.Start()
	engine, err := dedup.New(dedup.Config{
		Root:                cfg.Dedup.Root,
		BucketFullThreshold: cfg.Dedup.BucketFullThreshold,
	}, a.cache, logger)
	if err != nil {
		return nil, fmt.Errorf("dedup engine init failed: %w", err)
	}

	sink, err := a.setupIngestion(ctx)
	if err != nil {
		return nil, err
	}

	browser := bo.browser
	if browser == nil {
		browser, err = chrome.New(cfg.Browser.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("browser init failed: %w", err)
		}
	}
	orchestrator, err := pipeline.New(browser, pipeline.PortalSteps(cfg.Portal, engine, sink), pipeline.Config{
		MaxPages:     cfg.Pipeline.MaxPages,
		Viewport:     harvest.Viewport{Width: cfg.Browser.ViewportWidth, Height: cfg.Browser.ViewportHeight},
		StagingRoot:  cfg.Pipeline.StagingRoot,
		DownloadRoot: cfg.Dedup.Root,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	var managerOpts []execution.Option
	notifier, err := a.setupNotifier(ctx)
	if err != nil {
		return nil, err
	}
	if notifier != nil {
		managerOpts = append(managerOpts, execution.WithNotifier(notifier))
	}
	a.manager, err = execution.NewManager(orchestrator, a.hub, execution.Config{
		MaxConcurrent: cfg.Execution.MaxConcurrent,
		ShutdownGrace: cfg.Execution.ShutdownGrace,
		LogLines:      cfg.Execution.LogLines,
	}, logger, managerOpts...)
	if err != nil {
		return nil, fmt.Errorf("execution manager init failed: %w", err)
	}

	a.scheduler, err = schedule.New(a.manager, cfg.Schedules, logger)
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	httpMetrics, err := metrics.NewHTTP(a.registry)
	if err != nil {
		return nil, err
	}
	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(a.manager, api.Options{
		APIKey:          apiKey,
		RequestTimeout:  cfg.Server.RequestTimeout,
		DefaultHeadless: true,
		Gatherer:        a.registry,
		HTTPMetrics:     httpMetrics,
	}, logger)

	ok = true
	return a, nil
}

func (a *App) setupProgress() error {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		Logger:         a.logger,
	}
	a.hub = progress.NewHub(hubCfg, progresssinks.NewLogSink(a.logger.Named("progress_log")), promSink)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupIngestion(ctx context.Context) (harvest.IngestionSink, error) {
	sinks := ingest.Multi{ingest.NewLogSink(a.logger)}

	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, records will not be persisted")
	} else {
		var err error
		a.recordStore, err = pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			Table:           a.cfg.DB.Table,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("record store init failed: %w", err)
		}
		records, err := ingest.NewRecords(a.recordStore, a.logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, records)
		a.logger.Info("record store initialized", zap.String("table", a.cfg.DB.Table))
	}

	if a.cfg.Storage.GCSBucket != "" {
		var err error
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		uploader, err := gcsstorage.NewBucketUploader(a.gcsClient, a.cfg.Storage.GCSBucket)
		if err != nil {
			return nil, err
		}
		archiver, err := gcsstorage.NewArchiver(uploader, gcsstorage.Config{
			Prefix: a.cfg.Storage.Prefix,
			Root:   a.cfg.Dedup.Root,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, archiver)
		a.logger.Info("gcs archiving enabled", zap.String("bucket", a.cfg.Storage.GCSBucket))
	}
	return sinks, nil
}

func (a *App) setupNotifier(ctx context.Context) (harvest.Notifier, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, completion notifications disabled")
		return nil, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.topic = a.pubsubClient.Topic(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	n, err := pubsubnotify.New(pubsubnotify.TopicPublisher(a.topic), a.logger)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Manager exposes the execution manager.
func (a *App) Manager() *execution.Manager { return a.manager }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run serves the API and schedules until ctx is canceled or a termination
// signal arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.scheduler.Start()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// RunOnce starts a single execution and blocks until it finishes. When ctx
// ends first the execution is cancelled and RunOnce waits for its runner to
// reach a checkpoint.
func (a *App) RunOnce(ctx context.Context, params harvest.JobParameters) (execution.Job, error) {
	id, err := a.manager.StartExecution(params)
	if err != nil {
		return execution.Job{}, err
	}
	job, err := a.manager.Wait(ctx, id)
	if err == nil {
		return job, nil
	}
	a.logger.Warn("interrupted, cancelling execution", zap.Int64("job_id", id))
	a.manager.CancelExecution(id)
	waitCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return a.manager.Wait(waitCtx, id)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 60 * time.Second
}

// Close stops admitting executions, drains running ones and releases every
// backend. Only the first call does any work.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		<-a.scheduler.Stop().Done()
	}
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.cache != nil {
		a.cache.Stop()
	}
	if a.topic != nil {
		a.topic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.recordStore != nil {
		a.recordStore.Close()
	}
}
