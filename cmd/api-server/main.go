package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-agenda/internal/agenda"
	"github.com/hackgods/clinic-agenda/internal/api"
	"github.com/hackgods/clinic-agenda/internal/config"
	"github.com/hackgods/clinic-agenda/internal/db"
	"github.com/hackgods/clinic-agenda/internal/logging"
	"github.com/hackgods/clinic-agenda/internal/metrics"
	redisclient "github.com/hackgods/clinic-agenda/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("dev", "info")
		boot.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "api-server").Logger()
	log.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("timezone", cfg.Timezone.String()).
		Int("slot_times", len(cfg.SlotTimes)).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{
		AppName:  "agenda-api",
		MaxConns: db.MaxConnsFor(cfg.BookingConcurrency),
	})
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	if err := db.Migrate(rootCtx, pgPool); err != nil {
		log.Fatal().Err(err).Msg("migration error")
	}
	log.Info().Msg("connected to Postgres")

	// Connect Redis. Dev may run a single instance without it.
	var (
		locker  redisclient.Locker = redisclient.NopLocker{}
		redisUp api.Pinger
	)
	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:       cfg.RedisAddr,
		Username:   cfg.RedisUsername,
		Password:   cfg.RedisPassword,
		ClientName: "agenda-api",
	})
	switch {
	case err == nil:
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis")
			}
		}()
		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockMaxHold)
		redisUp = pingRedis(rdb)
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	case cfg.Env == "dev":
		log.Warn().Err(err).Msg("redis unavailable, bookings are not coordinated across instances")
	default:
		log.Fatal().Err(err).Msg("redis connection error")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sched, err := agenda.NewSchedule(cfg.Timezone, cfg.SessionDuration, cfg.SlotTimes)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid schedule")
	}

	repo := agenda.NewPgRepository(pgPool)
	messenger := agenda.NewMessenger(cfg.DefaultCountryCode, cfg.Timezone)
	store := agenda.NewStore(repo, sched, log, m, agenda.StoreOptions{
		AtomicSeries: cfg.AtomicSeries,
		Concurrency:  cfg.BookingConcurrency,
	})
	registry := agenda.NewRegistry(repo, log, m)
	resolver := agenda.NewResolver(store, registry)
	booker := agenda.NewBooker(agenda.BookerDeps{
		Registry:       registry,
		Resolver:       resolver,
		Store:          store,
		Locker:         locker,
		Messenger:      messenger,
		MaxOccurrences: cfg.MaxOccurrences,
		Log:            log,
		Metrics:        m,
	})
	closer := agenda.NewCloser(store, locker, messenger, log, m)

	router := api.NewRouter(api.RouterConfig{
		Booker:   booker,
		Store:    store,
		Registry: registry,
		Resolver: resolver,
		Closer:   closer,
		Postgres: pgPool,
		Redis:    redisUp,
		Logger:   log,
		Metrics:  m,
		Gatherer: reg,

		AllowedOrigins: cfg.CORSOrigins,

		Env:     cfg.Env,
		Version: version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server error")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}

	log.Info().Msg("shutting down api-server")
}

func pingRedis(rdb *redis.Client) api.Pinger {
	return api.PingFunc(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
}
