// Package main is the entry point for the katiba server. It wires the
// Postgres-backed services, the analysis engine, the notification dispatcher
// and the HTTP/WebSocket surface, and handles graceful shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/katiba-labs/katiba/database/connect"
	"github.com/katiba-labs/katiba/internal/config"
	auditrepo "github.com/katiba-labs/katiba/internal/repository/audit"
	billrepo "github.com/katiba-labs/katiba/internal/repository/bill"
	engagementrepo "github.com/katiba-labs/katiba/internal/repository/engagement"
	provisionrepo "github.com/katiba-labs/katiba/internal/repository/provision"
	reviewrepo "github.com/katiba-labs/katiba/internal/repository/review"
	vulnrepo "github.com/katiba-labs/katiba/internal/repository/vulnerability"
	"github.com/katiba-labs/katiba/internal/server"
	"github.com/katiba-labs/katiba/internal/service/analysis"
	billsvc "github.com/katiba-labs/katiba/internal/service/bill"
	engagementsvc "github.com/katiba-labs/katiba/internal/service/engagement"
	"github.com/katiba-labs/katiba/internal/service/notification"
	provisionsvc "github.com/katiba-labs/katiba/internal/service/provision"
	vulnsvc "github.com/katiba-labs/katiba/internal/service/vulnerability"
	"github.com/katiba-labs/katiba/pkg/logger"
	"github.com/katiba-labs/katiba/pkg/redis"
	"github.com/katiba-labs/katiba/pkg/ws"
)

const dispatchInterval = 500 * time.Millisecond

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	defer func() {
		if err := log.Sync(); err != nil && cfg.AppEnv == "development" {
			log.Warn("Failed to sync logger", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg); err != nil && err != context.Canceled {
		log.Fatal("Server exited with error", zap.Error(err))
	}
	log.Info("Server stopped")
}

func run(ctx context.Context, log *zap.Logger, cfg *config.Config) error {
	db, err := connect.Postgres(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// Redis is a cache, not a dependency: the server runs degraded without it.
	var billCache, provisionCache *redis.Cache
	redisClient, err := redis.NewClient(redis.Config{
		Host:         cfg.RedisHost,
		Port:         cfg.RedisPort,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
	}, log)
	if err != nil {
		log.Warn("Redis unavailable, continuing without cache", zap.Error(err))
	} else {
		defer redisClient.Close()
		billCache = redis.NewCache(redisClient, redis.NamespaceCache, redis.ContextBill)
		provisionCache = redis.NewCache(redisClient, redis.NamespaceCache, redis.ContextProvision)
	}

	auditRepo := auditrepo.NewRepository(db, log)
	eventLog := auditrepo.NewEventLog(db, log)
	provisionRepo := provisionrepo.NewRepository(db, log)
	billRepo := billrepo.NewRepository(db, log)
	engagementRepo := engagementrepo.NewRepository(db, log)
	reviewRepo := reviewrepo.NewRepository(db, log)
	vulnRepo := vulnrepo.NewRepository(db, log)

	provisionService := provisionsvc.NewService(log.Named("provision"), provisionRepo, auditRepo, provisionCache)
	if err := provisionService.Reload(ctx); err != nil {
		return err
	}

	billService := billsvc.NewService(log.Named("bill"), billRepo, engagementRepo, auditRepo, billCache, eventLog)

	scorer, err := engagementsvc.NewScorer(cfg.ScoreFormula)
	if err != nil {
		return err
	}
	engagementService := engagementsvc.NewService(
		log.Named("engagement"), engagementRepo, billRepo, auditRepo, billCache, eventLog, scorer)

	ruleset, err := analysis.NewRuleset(log.Named("rules"), cfg.AnalysisRulesPath)
	if err != nil {
		return err
	}
	if err := ruleset.Watch(ctx); err != nil {
		return err
	}
	engine := analysis.NewEngine(
		log.Named("analysis"), reviewRepo, billRepo, provisionService,
		analysis.NewMatcher(ruleset), eventLog, auditRepo,
		cfg.AnalysisWorkers, cfg.ExpertReviewDeadline)
	engine.Start()
	defer engine.Stop()
	billService.OnWithdrawn(engine.CancelBill)

	catalog := vulnsvc.NewCatalog(log.Named("vulnerability"), vulnRepo, auditRepo)

	manager := ws.NewManager(log.Named("ws"))
	dispatcher := notification.NewDispatcher(log.Named("dispatcher"), eventLog, manager, dispatchInterval)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 5m", func() {
		if err := engine.EscalateTimedOut(ctx); err != nil {
			log.Error("Escalation sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	if _, err := scheduler.AddFunc("@every 10m", func() {
		if err := engine.SweepUnanalyzed(ctx, 100); err != nil {
			log.Error("Analysis sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	if _, err := scheduler.AddFunc("@every 15m", func() {
		if err := reconcileScores(ctx, log, billRepo, engagementService); err != nil {
			log.Error("Score reconciliation sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	checks := map[string]server.HealthCheck{
		"postgres":   db.PingContext,
		"dispatcher": func(context.Context) error { return dispatcher.Healthy() },
	}
	if redisClient != nil {
		checks["redis"] = redisClient.IsAvailable
	}

	httpServer := server.New(log.Named("http"), cfg, server.Deps{
		Provisions:    provisionService,
		Bills:         billService,
		Engagements:   engagementService,
		Analysis:      engine,
		Vulnerability: catalog,
		Audit:         auditRepo,
		WS:            manager,
		Replayer:      dispatcher,
		Checks:        checks,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	return g.Wait()
}

// reconcileScores recomputes engagement scores for recent bills in pages.
// Idempotent recompute makes a redundant pass harmless; this catches any
// score left stale by a crash between moderation and recompute.
func reconcileScores(ctx context.Context, log *zap.Logger, bills *billrepo.Repository, engagements *engagementsvc.Service) error {
	const pageSize = 100
	for offset := 0; ; offset += pageSize {
		page, err := bills.List(ctx, pageSize, offset)
		if err != nil {
			return err
		}
		for _, b := range page {
			if _, err := engagements.RecomputeScore(ctx, b.ID); err != nil {
				log.Warn("Score reconciliation failed for bill",
					zap.Int64("bill_id", b.ID), zap.Error(err))
			}
		}
		if len(page) < pageSize {
			return nil
		}
	}
}
