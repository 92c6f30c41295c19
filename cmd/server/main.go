// Command server runs the shopfloor access layer: token endpoints, the
// websocket gateway and the startup migration coordinator.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/plantops/shopfloor/internal/auth"
	"github.com/plantops/shopfloor/internal/config"
	"github.com/plantops/shopfloor/internal/gateway"
	"github.com/plantops/shopfloor/internal/logging"
	"github.com/plantops/shopfloor/internal/metrics"
	"github.com/plantops/shopfloor/internal/migration"
	"github.com/plantops/shopfloor/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("shopfloor-access", "info", "json").WithError(err).Fatal("load configuration")
	}

	logger := logging.New("shopfloor-access", cfg.LogLevel, cfg.LogFormat)
	logger.WithField("environment", cfg.Environment).Info("starting access layer")

	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// The schema must be settled before anything else touches the database.
	// A failed migration is fatal: the listener never opens.
	store := migration.NewPostgresStore(db)
	if cfg.RunMigrationsOnStartup {
		if err := runMigrations(cfg, logger, store, m); err != nil {
			logger.WithError(err).Fatal("schema migration failed")
		}
	} else {
		logger.Info("startup migrations disabled, assuming schema is current")
	}

	revocations, stopSweep := buildRevocationStore(cfg, logger)
	defer stopSweep()

	tokens, err := auth.NewService(auth.Options{
		Secret:     []byte(cfg.JWTSecret),
		Algorithm:  cfg.JWTAlgorithm,
		AccessTTL:  cfg.AccessTokenTTL(),
		RefreshTTL: cfg.RefreshTokenTTL(),
		ClockSkew:  cfg.ClockSkew,
		Issuer:     "shopfloor-access",
	}, revocations)
	if err != nil {
		logger.WithError(err).Fatal("build token service")
	}

	hub := gateway.NewHub(tokens, logger, m, gateway.Options{
		SendQueueDepth: cfg.SendQueueDepth,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	srv := server.New(server.Options{
		Config:         cfg,
		Logger:         logger,
		Metrics:        m,
		Tokens:         tokens,
		Directory:      server.NewPostgresDirectory(db),
		Hub:            hub,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("listening")
		errs <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errs:
		logger.WithError(err).Fatal("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown incomplete")
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("gateway shutdown incomplete, sockets were forced closed")
	}
	logger.Info("shutdown complete")
}

func runMigrations(cfg *config.Config, logger *logging.Logger, store *migration.PostgresStore, m *metrics.Metrics) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	coordinator, err := migration.NewCoordinator(store, store, migration.Steps(),
		cfg.MigrationLease, cfg.MigrationPollInterval, logger)
	if err != nil {
		return err
	}
	coordinator.OnStepApplied = func(migration.Step) { m.RecordMigrationStep() }

	state, err := coordinator.Run(ctx)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"state":          string(state),
		"schema_version": coordinator.TargetVersion(),
	}).Info("migration coordinator finished")
	return nil
}

// buildRevocationStore prefers redis so revocations are visible to every
// replica; without redis it falls back to process memory with a periodic
// sweep of expired records.
func buildRevocationStore(cfg *config.Config, logger *logging.Logger) (auth.RevocationStore, func()) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.WithError(err).Fatal("connect to redis")
		}
		logger.WithField("redis_addr", cfg.RedisAddr).Info("using redis revocation store")
		return auth.NewRedisRevocationStore(client), func() { _ = client.Close() }
	}

	logger.Warn("REDIS_ADDR not set, revocations are local to this replica")
	store := auth.NewMemoryRevocationStore()

	sweeper := cron.New()
	_, err := sweeper.AddFunc("@every 10m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n, err := store.PurgeExpired(ctx, time.Now()); err == nil && n > 0 {
			logger.WithField("purged", n).Debug("swept expired revocation records")
		}
	})
	if err != nil {
		logger.WithError(err).Fatal("schedule revocation sweep")
	}
	sweeper.Start()
	return store, func() { sweeper.Stop() }
}
