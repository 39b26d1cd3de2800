// Package app provides application initialization and wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jobrunner/tessera/internal/adapters/cache"
	"github.com/jobrunner/tessera/internal/adapters/catalog"
	httpAdapter "github.com/jobrunner/tessera/internal/adapters/http"
	"github.com/jobrunner/tessera/internal/adapters/layout"
	"github.com/jobrunner/tessera/internal/adapters/metrics"
	"github.com/jobrunner/tessera/internal/adapters/raster"
	"github.com/jobrunner/tessera/internal/adapters/storage"
	tlsAdapter "github.com/jobrunner/tessera/internal/adapters/tls"
	"github.com/jobrunner/tessera/internal/adapters/watcher"
	"github.com/jobrunner/tessera/internal/application"
	"github.com/jobrunner/tessera/internal/config"
	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// eventBuffer is the queue size of the indexing event dispatcher.
const eventBuffer = 256

// App holds all application components.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Catalog   *catalog.Store
	Formats   *raster.Registry
	Layout    *layout.FileStore
	Registry  *application.CoverageRegistry
	Events    *application.EventDispatcher
	Indexer   *application.Indexer
	Harvester *application.Harvester
	Reader    *application.MosaicReader
	Health    *application.HealthService

	Storage output.ObjectStorage
	Sync    *application.SourceSync

	HTTPServer    *httpAdapter.Server
	TLSServer     *tlsAdapter.Server
	Watcher       *watcher.Watcher
	Metrics       *metrics.Collector
	MetricsServer *metrics.Server
}

// Open wires the catalog and the application services without any server.
// The command line tools use it directly; Close releases it.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	var metricsCollector output.MetricsCollector = &output.NoOpMetrics{}
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.NewCollector("tessera", prometheus.NewRegistry())
		metricsCollector = a.Metrics
	}

	store, err := catalog.Open(ctx, catalog.Config{
		Driver:       cfg.Catalog.Driver,
		DSN:          cfg.Catalog.DSN,
		BatchSize:    cfg.Catalog.BatchSize,
		MaxOpenConns: cfg.Catalog.MaxOpenConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	a.Catalog = store

	crs := domain.ParseCRS(cfg.Mosaic.DefaultCRS)
	a.Formats = raster.NewRegistry(
		raster.NewDescriptorFormat(crs),
		raster.NewWorldImageFormat(crs),
	)
	a.Layout = layout.NewFileStore(cfg.Mosaic.Root, logger)
	a.Registry = application.NewCoverageRegistry(a.Layout, store, metricsCollector, logger)

	settings := mosaicSettings(cfg)

	a.Events = application.NewEventDispatcher(application.DispatchQueued, eventBuffer, logger)
	a.Events.AddListener(output.ListenerFunc(a.logEvent))

	if a.Indexer, err = application.NewIndexer(store, a.Formats, a.Layout, a.Registry, a.Events, metricsCollector, settings, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing indexer: %w", err)
	}
	if a.Harvester, err = application.NewHarvester(store, a.Formats, a.Layout, a.Registry, metricsCollector, settings, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing harvester: %w", err)
	}

	var queryCache output.QueryCache
	if cfg.Cache.Enabled() {
		mc, err := cache.NewMemcache(cfg.Cache.Servers, cfg.Cache.Timeout, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initializing query cache: %w", err)
		}
		queryCache = mc
	}

	a.Reader = application.NewMosaicReader(store, a.Formats, a.Registry, queryCache, metricsCollector, settings,
		application.ReadSettings{
			MaxGranules:            cfg.Read.MaxGranules,
			DefaultDimensionValues: cfg.Read.DefaultDimensionValues,
			CacheTTL:               cfg.Cache.TTL,
		}, logger)
	a.Health = application.NewHealthService(a.Registry, store, a.Indexer)

	if err := a.Registry.LoadAll(ctx); err != nil {
		logger.Warn("failed to load coverage configurations", "error", err)
	}

	return a, nil
}

// New creates and initializes the full service: Open plus the source
// sync, the file watcher and the servers.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a, err := Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var metricsCollector output.MetricsCollector = &output.NoOpMetrics{}
	if a.Metrics != nil {
		metricsCollector = a.Metrics
		a.MetricsServer = metrics.NewServer(cfg.Metrics.Address(), cfg.Metrics.Path, a.Metrics, logger)
	}

	if cfg.Storage.Remote() {
		src, err := initStorage(ctx, cfg.Storage)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		a.Storage = storage.NewInstrumented(src, metricsCollector)

		if cfg.Sync.Enabled {
			a.Sync = application.NewSourceSync(a.Storage, a.Harvester, a.Formats,
				cfg.Mosaic.Root, cfg.Sync.Coverage, cfg.Sync.Interval, logger)
		}
	}

	services := httpAdapter.Services{
		Reader:    a.Reader,
		Harvester: a.Harvester,
		Indexer:   a.Indexer,
		Health:    a.Health,
		Root:      cfg.Mosaic.Root,
	}
	if a.Sync != nil {
		services.Sync = a.Sync
	}
	if a.Metrics != nil {
		a.HTTPServer = httpAdapter.NewServer(cfg.Server, services, logger, a.Metrics.Middleware)
	} else {
		a.HTTPServer = httpAdapter.NewServer(cfg.Server, services, logger)
	}

	if cfg.TLS.Enabled {
		tlsServer, err := tlsAdapter.NewServer(
			tlsAdapter.Config{
				Enabled:  cfg.TLS.Enabled,
				Domains:  cfg.TLS.Domains,
				Email:    cfg.TLS.Email,
				CacheDir: cfg.TLS.CacheDir,
				Staging:  cfg.TLS.Staging,
				DNS: tlsAdapter.DNSConfig{
					SubscriptionID:    cfg.TLS.DNS.SubscriptionID,
					ResourceGroupName: cfg.TLS.DNS.ResourceGroupName,
					ClientID:          cfg.TLS.DNS.ClientID,
				},
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			},
			a.HTTPServer.Handler(),
			logger,
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initializing TLS: %w", err)
		}
		a.TLSServer = tlsServer
	}

	if cfg.Watch.Enabled {
		w, err := watcher.New(
			watcher.Config{
				Paths:     []string{cfg.Mosaic.Root},
				Recursive: cfg.Mosaic.Recursive,
				Debounce:  cfg.Watch.Debounce,
				Match: func(path string) bool {
					return a.Formats.Accepts(path) && !a.Formats.IsSidecar(path)
				},
			},
			a.handleFileEvent,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize file watcher", "error", err)
		} else {
			a.Watcher = w
		}
	}

	return a, nil
}

// Start starts all application components and blocks serving the API.
func (a *App) Start(ctx context.Context) error {
	a.Health.MarkReady()

	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start file watcher", "error", err)
		}
	}

	if a.Sync != nil {
		a.Sync.Start(ctx)
	}

	if a.MetricsServer != nil {
		go func() {
			if err := a.MetricsServer.Start(); err != nil {
				a.Logger.Error("metrics server error", "error", err)
			}
		}()
	}

	if a.TLSServer != nil {
		if err := a.TLSServer.ManageCertificates(ctx); err != nil {
			return err
		}
		return a.TLSServer.ListenAndServe(a.Config.Server.Address())
	}
	return a.HTTPServer.Start()
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}
	if a.Sync != nil {
		a.Sync.Stop()
	}
	a.Indexer.Stop()

	if a.MetricsServer != nil {
		if err := a.MetricsServer.Shutdown(ctx); err != nil {
			a.Logger.Error("metrics server shutdown error", "error", err)
		}
	}

	var err error
	if a.TLSServer != nil {
		err = a.TLSServer.Shutdown(ctx)
	} else if a.HTTPServer != nil {
		err = a.HTTPServer.Shutdown(ctx)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Logger.Error("HTTP server shutdown error", "error", err)
	}

	a.Close()
	return nil
}

// Close releases the services and the catalog.
func (a *App) Close() {
	if a.Events != nil {
		a.Events.Close()
	}
	if a.Reader != nil {
		a.Reader.Dispose()
	}
	if a.Catalog != nil {
		if err := a.Catalog.Dispose(); err != nil {
			a.Logger.Error("failed to close catalog", "error", err)
		}
	}
}

// handleFileEvent keeps the catalog in step with the mosaic root.
func (a *App) handleFileEvent(ctx context.Context, event watcher.Event) error {
	a.Logger.Info("file event", "path", event.Path, "operation", event.Operation.String())

	switch event.Operation {
	case watcher.OpCreate, watcher.OpModify:
		outcomes, err := a.Harvester.Harvest(ctx, event.Path, a.Config.Watch.Coverage)
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			if o.Status == domain.HarvestFailed {
				a.Logger.Warn("harvest failed", "path", o.Path, "reason", o.Reason, "error", o.Err)
			}
		}
		return nil

	case watcher.OpDelete:
		n, err := a.Harvester.RemoveLocation(ctx, event.Path)
		if err != nil {
			a.Logger.Warn("failed to remove granules of deleted file", "path", event.Path, "error", err)
			return nil
		}
		a.Logger.Info("removed granules", "path", event.Path, "granules", n)
	}

	return nil
}

// logEvent reports indexing progress.
func (a *App) logEvent(e domain.ProcessEvent) {
	attrs := []any{"run_id", e.RunID, "kind", e.Kind, "path", e.Path, "percent", e.Percent}
	if e.Coverage != "" {
		attrs = append(attrs, "coverage", e.Coverage)
	}
	switch e.Kind {
	case domain.EventFileFailed, domain.EventFailed:
		a.Logger.Warn("indexing event", append(attrs, "error", e.Err)...)
	case domain.EventFileIngested, domain.EventFileSkipped:
		a.Logger.Debug("indexing event", attrs...)
	default:
		a.Logger.Info("indexing event", attrs...)
	}
}

// mosaicSettings translates the mosaic configuration.
func mosaicSettings(cfg *config.Config) application.MosaicSettings {
	collectors := make([]application.CollectorConfig, len(cfg.Mosaic.Collectors))
	for i, c := range cfg.Mosaic.Collectors {
		collectors[i] = application.CollectorConfig{
			Attribute: c.Attribute,
			Regex:     c.Regex,
			Type:      c.Type,
			Format:    c.Format,
		}
	}
	return application.MosaicSettings{
		Root:              cfg.Mosaic.Root,
		Recursive:         cfg.Mosaic.Recursive,
		AbsolutePath:      cfg.Mosaic.AbsolutePath,
		LocationAttribute: cfg.Mosaic.LocationAttribute,
		Filter:            cfg.Mosaic.Filter,
		Extensions:        cfg.Mosaic.Extensions,
		Workers:           cfg.Mosaic.Workers,
		SuggestedReader:   cfg.Mosaic.SuggestedReader,
		ImposedBBox:       cfg.Mosaic.ImposedEnvelope(),
		Caching:           cfg.Mosaic.Caching,
		Collectors:        collectors,
	}
}

// initStorage initializes the granule source adapter.
func initStorage(ctx context.Context, cfg config.StorageConfig) (output.ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.LocalPath), nil

	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})

	case "azure":
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
		})

	case "http":
		return storage.NewHTTPStorage(storage.HTTPConfig{
			BaseURL:   cfg.HTTP.BaseURL,
			IndexFile: cfg.HTTP.IndexFile,
			Timeout:   cfg.HTTP.Timeout,
			Username:  cfg.HTTP.Username,
			Password:  cfg.HTTP.Password,
		}), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
