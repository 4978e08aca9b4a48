package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/enrollio/ma-engine/internal/api"
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
	if cfg.Env == "dev" {
		logger.SetLevel(logger.DEBUG)
	}
	logger.Info("starting scenario engine server", "env", cfg.Env, "addr", cfg.Server.Addr)

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
		logger.Info("tick lock backed by redis", "addr", cfg.Redis.Addr)
	} else {
		orchestrator.SetLock(distlock.New(nil, db, "scenario-engine:tick", cfg.Scheduler.TickInterval))
	}

	if cfg.Scheduler.Enabled {
		orchestrator.Start()
		defer orchestrator.Stop()
		logger.Info("scheduler started", "interval", cfg.Scheduler.TickInterval.String())
	} else {
		logger.Info("scheduler disabled, ticks run only via POST /scheduler/trigger")
	}

	handler := api.NewServer(
		api.NewSchedulerHandler(orchestrator, store),
		api.NewTrackingHandler(store, cfg.Tracking.TrackingSecret, cfg.Tracking.UnsubscribeSecret),
		cfg.Server.AdminToken,
		cfg.Server.CORSOrigins,
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
			cancel()
		}
	}()
	logger.Info("http server listening", "addr", cfg.Server.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("server stopped")
}
