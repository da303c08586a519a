package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-agenda/internal/agenda"
	"github.com/hackgods/clinic-agenda/internal/config"
	"github.com/hackgods/clinic-agenda/internal/db"
	"github.com/hackgods/clinic-agenda/internal/logging"
	"github.com/hackgods/clinic-agenda/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("dev", "info")
		boot.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "series-sweeper").Logger()
	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("grace", cfg.SeriesGrace).
		Msg("series sweeper starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{AppName: "agenda-series-sweeper", MaxConns: 2})
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	sched, err := agenda.NewSchedule(cfg.Timezone, cfg.SessionDuration, cfg.SlotTimes)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid schedule")
	}

	m := metrics.New(prometheus.NewRegistry())
	store := agenda.NewStore(agenda.NewPgRepository(pgPool), sched, log, m, agenda.StoreOptions{})

	// Run once at startup
	runOnce(rootCtx, log, store, cfg.SeriesGrace)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping series sweeper")
			return
		case <-ticker.C:
			runOnce(rootCtx, log, store, cfg.SeriesGrace)
		}
	}
}

func runOnce(ctx context.Context, log zerolog.Logger, store *agenda.Store, grace time.Duration) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	swept, err := store.SweepSeries(runCtx, start.Add(-grace))
	if err != nil {
		log.Error().Err(err).Msg("sweep run error")
		return
	}
	log.Info().Int("finalized", swept).Dur("took", time.Since(start)).Msg("sweep run complete")
}
