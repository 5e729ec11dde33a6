// Package daemon wires every subsystem package into a single long-running
// process: Postgres/Redis connections, the ingestion pipeline, the source
// adapters, the retriever, and the reconciler, behind a thin HTTP liveness
// and sync-trigger surface.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/knowledgebase/kbsubsystem/internal/blobstore"
	"github.com/knowledgebase/kbsubsystem/internal/cache"
	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/config"
	"github.com/knowledgebase/kbsubsystem/internal/embed"
	"github.com/knowledgebase/kbsubsystem/internal/extract"
	"github.com/knowledgebase/kbsubsystem/internal/ingest"
	"github.com/knowledgebase/kbsubsystem/internal/observability"
	"github.com/knowledgebase/kbsubsystem/internal/reconcile"
	"github.com/knowledgebase/kbsubsystem/internal/retrieve"
	"github.com/knowledgebase/kbsubsystem/internal/sourceadapter/portal"
	"github.com/knowledgebase/kbsubsystem/internal/sourceadapter/upload"
	"github.com/knowledgebase/kbsubsystem/internal/sourceadapter/website"
	"github.com/knowledgebase/kbsubsystem/internal/syncjob"
	"github.com/knowledgebase/kbsubsystem/internal/vectorindex"
)

// Daemon is the subsystem's long-running process: every package wired
// together behind a Unix-socket HTTP surface.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger
	router chi.Router
	server *http.Server

	catalog    *catalog.Store
	vectors    *vectorindex.Store
	blobs      *blobstore.Store
	cache      *cache.Cache
	pipeline   *ingest.Pipeline
	retriever  *retrieve.Retriever
	reconciler *reconcile.Reconciler
	settings   *config.SettingsStore

	syncManager    *syncjob.Manager
	syncLogger     *syncjob.Logger
	portalAdapter  *portal.Adapter
	websiteAdapter *website.Adapter
	uploadHandler  *upload.Handler

	configWatcher *config.Watcher

	mu        sync.RWMutex
	running   bool
	ready     bool
	startTime time.Time

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New constructs a Daemon, connecting to Postgres and Redis and wiring every
// collaborator package, mirroring the teacher's single New-does-everything
// daemon constructor.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	logger := observability.Logger("daemon")

	cat, err := catalog.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Embed.Dimension)
	if err != nil {
		return nil, fmt.Errorf("connect catalog: %w", err)
	}

	blobs := blobstore.New(cfg.DocumentsDir())
	if err := blobs.EnsureLayout(); err != nil {
		cat.Close()
		return nil, fmt.Errorf("ensure blob layout: %w", err)
	}

	vectors := vectorindex.New(cat.Pool())

	extractor := extract.NewExtractorRegistry(extract.Options{
		TesseractCmd:    cfg.Extract.TesseractCmd,
		TesseractConfig: cfg.Extract.TesseractConfig,
		OCRLanguage:     cfg.Extract.OCRLanguage,
	})

	embedder, err := embed.New(embed.Config{
		Provider:      cfg.Embed.Provider,
		Model:         cfg.Embed.Model,
		Dimension:     cfg.Embed.Dimension,
		OllamaHost:    cfg.Embed.OllamaHost,
		OpenAIKey:     cfg.Embed.OpenAIKey,
		OpenAIBaseURL: cfg.Embed.OpenAIBaseURL,
		BatchSize:     cfg.Embed.BatchSize,
	})
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("construct embedder: %w", err)
	}

	pipeline := ingest.New(blobs, cat, vectors, extractor, embedder, ingest.Options{
		MaxFileSizeMB:  cfg.Ingest.MaxFileSizeMB,
		MinFileSizeB:   cfg.Ingest.MinFileSizeB,
		ChunkSize:      cfg.Ingest.ChunkSize,
		ChunkOverlap:   cfg.Ingest.ChunkOverlap,
		EmbedBatchSize: cfg.Ingest.EmbedBatchSize,
	})

	var resultCache *cache.Cache
	if cfg.Redis.Addr != "" {
		resultCache = cache.New(cfg.Redis, cfg.Retrieve.ResultCacheTTL)
		if pingErr := resultCache.Ping(ctx); pingErr != nil {
			logger.Warn().Err(pingErr).Msg("redis unavailable, result caching disabled")
			resultCache.Close()
			resultCache = nil
		}
	}

	retriever := retrieve.New(vectors, cat, embedder, resultCache, cfg.Retrieve)
	reconciler := reconcile.New(blobs, cat, pipeline)
	settings := config.NewSettingsStore(cat.Pool())

	d := &Daemon{
		cfg:            cfg,
		logger:         logger,
		catalog:        cat,
		vectors:        vectors,
		blobs:          blobs,
		cache:          resultCache,
		pipeline:       pipeline,
		retriever:      retriever,
		reconciler:     reconciler,
		settings:       settings,
		syncManager:    syncjob.NewManager(cat.Pool(), cfg.Sync.JobName),
		syncLogger:     syncjob.NewLogger(cat.Pool()),
		portalAdapter:  portal.New(pipeline, cat, vectors, blobs, cfg.Portal),
		websiteAdapter: website.New(pipeline, cat, vectors, cfg.Website),
		uploadHandler:  upload.New(pipeline, cfg.Upload),
		shutdownCh:     make(chan struct{}),
	}

	d.setupRouter()
	return d, nil
}

func (d *Daemon) setupRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(d.loggingMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", d.handleHealth)
		r.Get("/ready", d.handleReady)
		r.Get("/status", d.handleStatus)

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", d.handleSyncStatus)
			r.Post("/trigger", d.handleSyncTrigger)
		})

		r.Route("/reconcile", func(r chi.Router) {
			r.Post("/run", d.handleReconcileRun)
		})

		r.Post("/upload", d.handleUpload)

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", d.handleSettingsList)
			r.Get("/{key}", d.handleSettingsGet)
			r.Put("/{key}", d.handleSettingsSet)
			r.Delete("/{key}", d.handleSettingsDelete)
		})
	})

	d.router = r
}

func (d *Daemon) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		d.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request completed")
	})
}

// Start brings the daemon's Unix-socket HTTP server up and marks it ready.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().Str("socket", d.cfg.SocketPath).Str("data_dir", d.cfg.DataDir).Msg("starting daemon")

	if watcher, err := config.WatchConfigFile(d.cfg.ConfigFilePath(), d.applyConfigReload); err != nil {
		d.logger.Warn().Err(err).Msg("config file watch failed to start, edits require a restart")
	} else {
		d.configWatcher = watcher
	}

	socketDir := filepath.Dir(d.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	os.Remove(d.cfg.SocketPath)

	listener, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	d.server = &http.Server{
		Handler:      d.router,
		ReadTimeout:  d.cfg.API.ReadTimeout,
		WriteTimeout: d.cfg.API.WriteTimeout,
		IdleTimeout:  d.cfg.API.IdleTimeout,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("server error")
		}
	}()

	d.mu.Lock()
	d.ready = true
	d.mu.Unlock()

	observability.LogEvent(d.logger, observability.EventDaemonStarted, map[string]interface{}{
		"socket":   d.cfg.SocketPath,
		"data_dir": d.cfg.DataDir,
	})
	d.logger.Info().Msg("daemon started")
	return nil
}

// Stop gracefully shuts the HTTP server down and closes every owned
// connection.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.ready = false
	d.mu.Unlock()

	d.logger.Info().Msg("stopping daemon")
	d.configWatcher.Close()
	close(d.shutdownCh)

	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("server shutdown error")
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn().Msg("shutdown timeout, some goroutines may still be running")
	}

	if d.cache != nil {
		d.cache.Close()
	}
	d.catalog.Close()
	os.Remove(d.cfg.SocketPath)

	observability.LogEvent(d.logger, observability.EventDaemonStopped, nil)
	d.logger.Info().Msg("daemon stopped")
	return nil
}

// Run starts the daemon and blocks until an interrupt or SIGTERM, then
// shuts down gracefully.
func (d *Daemon) Run() error {
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-d.shutdownCh:
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return d.Stop(shutdownCtx)
}

// applyConfigReload pushes a freshly reloaded Config's retrieval tuning
// knobs into the live Retriever, invoked by the config file watcher. Other
// sections (Postgres DSN, socket path, adapter endpoints) require a daemon
// restart to take effect, consistent with the teacher's config not being
// hot-swappable mid-process for connection-bearing fields.
func (d *Daemon) applyConfigReload(cfg *config.Config) {
	d.retriever.UpdateConfig(cfg.Retrieve)
	d.logger.Info().Msg("applied reloaded retrieval configuration")
}

// Ready reports whether the daemon's HTTP surface is accepting traffic.
func (d *Daemon) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}

// Retriever exposes the wired Retriever for callers embedding the daemon.
func (d *Daemon) Retriever() *retrieve.Retriever { return d.retriever }

// Reconciler exposes the wired Reconciler.
func (d *Daemon) Reconciler() *reconcile.Reconciler { return d.reconciler }

// SyncManager exposes the wired sync job Manager.
func (d *Daemon) SyncManager() *syncjob.Manager { return d.syncManager }

// Settings exposes the wired runtime SettingsStore.
func (d *Daemon) Settings() *config.SettingsStore { return d.settings }
