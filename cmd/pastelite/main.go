package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"pastelite/cfg"
	"pastelite/pkg/clock"
	"pastelite/svc/api"
	"pastelite/svc/cache"
	"pastelite/svc/db"
	"pastelite/svc/events"
	"pastelite/svc/svc"
	"pastelite/svc/util"
	"syscall"
	"time"
)

func main() {
	util.InitLog("info", false)
	health := flag.Bool("health", false, "probe the configured store and exit 0 if it answers")
	flag.Parse()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	if *health {
		os.Exit(probe(c))
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().
		Str("environment", c.Environment).
		Str("backend", c.StoreBackend).
		Bool("test_mode", c.TestMode).
		Msg("starting pastelite")
	if c.TestMode {
		util.Warn().Msg("TEST_MODE enabled: X-Test-Now-Ms overrides the clock")
	}

	var retention time.Duration
	if c.PurgeInterval > 0 {
		retention = c.PurgeRetention
	}
	store, sqlDB, err := openStore(c, retention)
	if err != nil {
		util.Fatal().Err(err).Str("backend", c.StoreBackend).Msg("failed to initialize store")
		os.Exit(1)
	}
	defer store.Close()

	tombstones, err := cache.NewTombstones(c.TombstoneCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create tombstone cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.TombstoneCacheSize).Msg("tombstone cache initialized")

	var pub events.Publisher = events.Noop{}
	if url := c.AMQPURL.Value(); url != "" {
		rmq, err := events.NewRabbitMQ(url, c.AMQPExchange)
		if err != nil {
			util.Fatal().Err(err).Str("url", util.RedactURL(url)).Msg("failed to connect to broker")
			os.Exit(1)
		}
		pub = rmq
		util.Info().Str("url", util.RedactURL(url)).Str("exchange", c.AMQPExchange).Msg("event publisher connected")
	}
	defer pub.Close()

	pasteSvc := svc.NewPaste(store, tombstones, clock.New(c.TestMode), pub, c)
	server := api.NewServer(c, pasteSvc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quitWAL := make(chan struct{})
	walDone := make(chan struct{})
	if sqlDB != nil {
		go func() {
			db.StartWALMaintenance(sqlDB.DB(), quitWAL)
			close(walDone)
		}()
		util.Info().Msg("WAL maintenance worker started")
	} else {
		close(walDone)
	}

	if c.PurgeInterval > 0 {
		if err := pasteSvc.StartPurger(ctx, c.PurgeInterval, c.PurgeRetention); err != nil {
			util.Error().Err(err).Msg("failed to start purge worker")
		}
	} else {
		util.Info().Msg("purge worker disabled, unavailable pastes are kept")
	}

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	close(quitWAL)
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-time.After(30 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	pasteSvc.Shutdown()
	util.Info().Msg("shutdown complete")
}

// openStore returns the backend named by STORE_BACKEND. The *db.SQLite is
// also returned when that backend is in use so the WAL worker can reach it.
func openStore(c *cfg.Cfg, retention time.Duration) (db.Store, *db.SQLite, error) {
	switch c.StoreBackend {
	case cfg.BackendRedis:
		r, err := db.NewRedis(c, retention)
		if err != nil {
			return nil, nil, err
		}
		util.Info().Str("url", util.RedactURL(c.RedisURL)).Msg("redis store connected")
		return r, nil, nil
	default:
		s, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, nil, err
		}
		util.Info().Str("path", c.DatabasePath).Msg("sqlite store initialized")
		return s, s, nil
	}
}

func probe(c *cfg.Cfg) int {
	store, _, err := openStore(c, 0)
	if err != nil {
		return 1
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return 1
	}
	return 0
}
