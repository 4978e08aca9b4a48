// The worker binary runs the scheduler loop without the HTTP surface.
// Deployments that serve the ops API elsewhere run one of these per
// environment; the distributed tick lock keeps extra replicas harmless.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/enrollio/ma-engine/internal/audit"
	"github.com/enrollio/ma-engine/internal/config"
	"github.com/enrollio/ma-engine/internal/engine"
	"github.com/enrollio/ma-engine/internal/mailing"
	"github.com/enrollio/ma-engine/internal/pkg/distlock"
	"github.com/enrollio/ma-engine/internal/pkg/logger"
)

func main() {
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	logger.Info("starting scenario engine worker", "env", cfg.Env)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, err := mailing.NewSenderFromConfig(ctx, cfg)
	if err != nil {
		logger.Error("configure mail provider", "error", err)
		os.Exit(1)
	}

	renderer := mailing.NewRenderer(mailing.RendererOptions{
		BaseURL:           cfg.Tracking.BaseURL,
		UnsubscribeSecret: cfg.Tracking.UnsubscribeSecret,
		TrackingSecret:    cfg.Tracking.TrackingSecret,
		LineFriendAddURL:  cfg.Line.FriendAddURL,
	})

	store := engine.NewSQLStore(db)
	auditor := audit.NewWriter(db)
	dispatcher := engine.NewDispatcher(store, renderer, sender, auditor, cfg.Scheduler.RateLimitPerMinute)
	orchestrator := engine.NewOrchestrator(store, dispatcher, auditor, engine.OrchestratorConfig{
		TickInterval:          cfg.Scheduler.TickInterval,
		RateLimitPerTick:      cfg.Scheduler.RateLimitPerMinute,
		LookbackDays:          cfg.Scheduler.LookbackDays,
		CalendarLookbackDays:  cfg.Scheduler.CalendarLookbackDays,
		CalendarLookaheadDays: cfg.Scheduler.CalendarLookaheadDays,
	})

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		orchestrator.SetLock(distlock.New(rdb, db, "scenario-engine:tick", cfg.Scheduler.TickInterval))
	} else {
		orchestrator.SetLock(distlock.New(nil, db, "scenario-engine:tick", cfg.Scheduler.TickInterval))
	}

	orchestrator.Start()
	logger.Info("worker running", "interval", cfg.Scheduler.TickInterval.String())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	orchestrator.Stop()
	logger.Info("worker stopped")
}
