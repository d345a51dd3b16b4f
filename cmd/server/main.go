// Package main is the entry point for the fluxflag server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and wrap it in a [store.Postgres].
//  3. Build the [fluxflag.Client] façade, wiring in a cache, an audit log,
//     and Prometheus metrics.
//  4. Optionally wire a Redis-backed [syncer.Invalidator] and [syncer.Syncer]
//     when REDIS_ADDR is configured.
//  5. Start the HTTP server and wait for SIGINT/SIGTERM, then gracefully
//     shut everything down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/kieran-voss/fluxflag"
	"github.com/kieran-voss/fluxflag/audit"
	"github.com/kieran-voss/fluxflag/cache"
	"github.com/kieran-voss/fluxflag/core"
	"github.com/kieran-voss/fluxflag/internal/config"
	"github.com/kieran-voss/fluxflag/internal/logging"
	"github.com/kieran-voss/fluxflag/internal/metrics"
	"github.com/kieran-voss/fluxflag/internal/server"
	"github.com/kieran-voss/fluxflag/internal/tracing"
	"github.com/kieran-voss/fluxflag/store"
	"github.com/kieran-voss/fluxflag/syncer"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	poolStatsInterval     = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	m := metrics.New()

	flagCache := cache.New[store.FlagWithMeta](cache.WithConfig[store.FlagWithMeta](cache.Config{
		DefaultTTL: cfg.CacheDefaultTTL,
		MaxTTL:     24 * time.Hour,
		StaleTTL:   cfg.CacheStaleTTL,
	}), cache.WithMaxSize[store.FlagWithMeta](cfg.CacheMaxSize))

	auditLog := audit.New(audit.WithConfig(audit.Config{
		MaxRecords:    cfg.AuditMaxRecords,
		RetentionDays: cfg.AuditRetentionDays,
	}))

	pgStore := store.NewPostgres(pool)

	client, err := fluxflag.New(pgStore,
		fluxflag.WithCache(flagCache),
		fluxflag.WithAudit(auditLog),
		fluxflag.WithMetrics(m),
		fluxflag.WithLogger(log),
		fluxflag.WithEnvironment(cfg.Environment),
	)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}

	var flagSyncer *syncer.Syncer
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		invalidator := syncer.NewInvalidator(redisClient)
		go watchInvalidations(ctx, invalidator, client, log)

		flagSyncer = syncer.New(client, &postgresRemoteSource{store: pgStore},
			syncer.WithLimiter(rate.NewLimiter(rate.Limit(cfg.SyncRateLimit), syncer.DefaultBurst)))
		go flagSyncer.Run(ctx, cfg.SyncInterval)
		go logSyncErrors(ctx, flagSyncer, log)
	}

	apiHandler := server.NewHTTPHandlerWithOptions(client, cfg.MaxJSONBodySize, m.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(apiHandler, "fluxflag-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	go func() {
		ticker := time.NewTicker(poolStatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stat := pool.Stat()
				m.SetDBPoolStats(metrics.DBPoolStats{
					Acquired: float64(stat.AcquiredConns()),
					Idle:     float64(stat.IdleConns()),
					Total:    float64(stat.TotalConns()),
				})
			}
		}
	}()

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr, "redis_sync_enabled", flagSyncer != nil)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// postgresRemoteSource adapts a [store.Postgres] into a [syncer.RemoteSource]
// for self-sync against the same database — a no-op in single-node
// deployments, but the seam a multi-region deployment plugs a real remote
// HTTP source into instead.
type postgresRemoteSource struct {
	store *store.Postgres
}

func (s *postgresRemoteSource) Fetch(ctx context.Context) ([]store.FlagWithMeta, core.VersionVector, error) {
	snapshot, err := store.TakeSnapshot(ctx, s.store)
	if err != nil {
		return nil, core.VersionVector{}, fmt.Errorf("fetch remote snapshot: %w", err)
	}
	return snapshot.Entries, snapshot.Version, nil
}

func watchInvalidations(ctx context.Context, inv *syncer.Invalidator, client *fluxflag.Client, log *slog.Logger) {
	for key := range inv.Subscribe(ctx) {
		if key == "" {
			client.PurgeCache()
			continue
		}
		if _, found, _ := client.GetFlag(ctx, key); !found {
			log.Debug("invalidation for deleted flag", "flag_key", key)
		}
	}
}

func logSyncErrors(ctx context.Context, s *syncer.Syncer, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-s.Errors():
			if !ok {
				return
			}
			log.Warn("sync cycle failed", "error", err)
		}
	}
}
