package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/psantana5/qrbatch/pkg/api"
	"github.com/psantana5/qrbatch/pkg/blob"
	"github.com/psantana5/qrbatch/pkg/bulk"
	"github.com/psantana5/qrbatch/pkg/cleanup"
	"github.com/psantana5/qrbatch/pkg/config"
	"github.com/psantana5/qrbatch/pkg/logging"
	"github.com/psantana5/qrbatch/pkg/metrics"
	"github.com/psantana5/qrbatch/pkg/queue"
	"github.com/psantana5/qrbatch/pkg/ratelimit"
	"github.com/psantana5/qrbatch/pkg/render"
	"github.com/psantana5/qrbatch/pkg/shutdown"
	"github.com/psantana5/qrbatch/pkg/store"
	qtls "github.com/psantana5/qrbatch/pkg/tls"
	"github.com/psantana5/qrbatch/pkg/tracing"
	"github.com/psantana5/qrbatch/pkg/worker"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the API server, worker pool and retention sweeper",
	Long: `Starts the HTTP API, consumes the job queue with the configured number of
workers and sweeps expired jobs. Every setting can come from the config file,
a QRBATCH_* environment variable or the flags below.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	f := serverCmd.Flags()
	f.Int("port", 8080, "HTTP port")
	f.String("store", "sqlite", "job store: memory, sqlite or postgres")
	f.String("db", "", "SQLite path or PostgreSQL DSN")
	f.String("queue", "memory", "queue backend: memory, redis or rabbitmq")
	f.String("blob", "local", "blob backend: memory, local or s3")
	f.String("blob-dir", "data/blobs", "directory for the local blob backend")
	f.Int("workers", 1, "number of concurrent job consumers")
	f.Int("render-concurrency", 8, "parallel renders per batch")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.Bool("log-json", false, "log as JSON")
	f.String("tls-cert", "", "TLS certificate file; enables HTTPS together with --tls-key")
	f.String("tls-key", "", "TLS private key file")
}

// bindings maps server flags onto config keys
var bindings = map[string]string{
	"port":               "server.port",
	"store":              "store.type",
	"queue":              "queue.type",
	"blob":               "blob.type",
	"blob-dir":           "blob.dir",
	"workers":            "worker.concurrency",
	"render-concurrency": "worker.render_concurrency",
	"log-level":          "log.level",
	"log-json":           "log.json",
	"tls-cert":           "server.tls.cert_file",
	"tls-key":            "server.tls.key_file",
}

func loadServerConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	for flag, key := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		if cfg.Store.Type == "sqlite" {
			cfg.Store.Path = db
		} else {
			cfg.Store.DSN = db
		}
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.Dir != "" {
		return logging.NewFileLogger(cfg.Dir, "server", level, cfg.JSON)
	}
	return logging.NewLogger(level, cfg.JSON), nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadServerConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sm := shutdown.New(cfg.Server.ShutdownTimeout, logger)
	sm.Register("logger", shutdown.CloseResource(logger))

	tp, err := tracing.InitTracer(ctx, cfg.Tracing, logger)
	if err != nil {
		return err
	}
	sm.Register("tracing", tp.Shutdown)

	st, err := store.NewStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	sm.Register("store", shutdown.CloseResource(st))
	logger.Info("Job store ready", logging.Fields{"type": cfg.Store.Type})

	q, err := queue.New(ctx, cfg.Queue)
	if err != nil {
		_ = sm.Shutdown()
		return fmt.Errorf("failed to open queue: %w", err)
	}
	sm.Register("queue", shutdown.CloseResource(q))
	if rq, ok := q.(*queue.RedisQueue); ok {
		n, err := rq.RecoverInflight(ctx)
		if err != nil {
			logger.Warn("Failed to recover in-flight payloads", logging.Fields{"error": err.Error()})
		} else if n > 0 {
			logger.Info("Recovered in-flight payloads", logging.Fields{"count": n})
		}
	}

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		_ = sm.Shutdown()
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	rec := metrics.NewRecorder(nil)

	sweeper := cleanup.NewManager(cfg.Cleanup, st, blobs, rec, logger)
	sweeper.Start()
	sm.Register("cleanup", func(context.Context) error {
		sweeper.Stop()
		return nil
	})

	pool := worker.New(cfg.Worker, worker.Deps{
		Store:    st,
		Queue:    q,
		Renderer: render.NewQRRenderer(),
		Blobs:    blobs,
		Metrics:  rec,
		Logger:   logger,
	})
	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		_ = pool.Run(workerCtx)
	}()
	sm.Register("workers", func(ctx context.Context) error {
		stopWorkers()
		select {
		case <-workersDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		go pruneLimiters(ctx, limiter, cfg.RateLimit.IdleTTL)
	}

	svc := bulk.NewService(bulk.Deps{Store: st, Queue: q, Blobs: blobs, Metrics: rec, Logger: logger})
	router := api.NewRouter(api.NewHandler(svc, logger), api.RouterOptions{
		Metrics: rec,
		Limiter: limiter,
		Tracing: cfg.Tracing.Enabled,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if cfg.Server.TLS.Enabled() {
		tc, err := qtls.ServerConfig(cfg.Server.TLS)
		if err != nil {
			_ = sm.Shutdown()
			return fmt.Errorf("failed to configure TLS: %w", err)
		}
		srv.TLSConfig = tc
	}
	sm.Register("http", shutdown.StopHTTPServer(srv))

	go func() {
		logger.Info("API listening", logging.Fields{"addr": srv.Addr, "tls": srv.TLSConfig != nil})
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", logging.Fields{"error": err.Error()})
			sm.Trigger()
		}
	}()

	sm.Wait(ctx)
	return sm.Shutdown()
}

func pruneLimiters(ctx context.Context, l *ratelimit.Limiter, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.CleanupOldLimiters(ttl)
		}
	}
}
