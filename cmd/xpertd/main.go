// Command xpertd boots the full aggregator/gatekeeper process: loads
// config, connects Redis and the relational database, wires every
// package's storage, starts the periodic aggregation job, and serves the
// HTTP surface via Gin.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/xpert-gate/xpert/adminlog"
	"github.com/xpert-gate/xpert/aggregator"
	"github.com/xpert-gate/xpert/auth"
	"github.com/xpert-gate/xpert/config"
	"github.com/xpert-gate/xpert/database"
	"github.com/xpert-gate/xpert/directconfig"
	"github.com/xpert-gate/xpert/logger"
	"github.com/xpert-gate/xpert/marzban"
	"github.com/xpert-gate/xpert/notify"
	"github.com/xpert-gate/xpert/policy"
	"github.com/xpert-gate/xpert/probe"
	"github.com/xpert-gate/xpert/sources"
	"github.com/xpert-gate/xpert/subscription"
	"github.com/xpert-gate/xpert/traffic"
	"github.com/xpert-gate/xpert/web/controller"
)

func main() {
	cfg := config.Load()

	if err := database.Init(cfg.DatabaseDSN); err != nil {
		logger.Errorf("failed to initialize database: %v", err)
		os.Exit(1)
	}

	rdb := newRedisClient(cfg.RedisURL)

	sourceRegistry, err := sources.New(filepath.Join(cfg.DataDir, "sources.json"))
	if err != nil {
		logger.Errorf("failed to load source registry: %v", err)
		os.Exit(1)
	}

	prober := probe.New(cfg.TargetCheckIPs, rdb)

	directStore, err := directconfig.New(filepath.Join(cfg.DataDir, "direct_configs.json"), prober)
	if err != nil {
		logger.Errorf("failed to load direct config store: %v", err)
		os.Exit(1)
	}

	policyStore, err := policy.New(filepath.Join(cfg.DataDir, "policies.json"),
		filepath.Join(cfg.DataDir, "hwid_locks.json"))
	if err != nil {
		logger.Errorf("failed to load policy store: %v", err)
		os.Exit(1)
	}

	mzClient := marzban.NewClient(cfg.MarzbanBaseURL, cfg.MarzbanUsername, cfg.MarzbanPassword)
	orchestrator := aggregator.New(sourceRegistry, prober, mzClient, cfg.MarzbanFallbackInboundTag,
		filepath.Join(cfg.DataDir, "aggregated_configs.json"))
	sourceRegistry.SetOnDelete(func(id int) {
		if err := orchestrator.RemoveBySource(id); err != nil {
			logger.Errorf("cascade removal for source %d failed: %v", id, err)
		}
	})

	trafficSvc := traffic.New(database.GetDB())
	auditLog := adminlog.New(database.GetDB())
	resolver := auth.NewJWTResolver(cfg.JWTSigningKey)
	publisher := subscription.New(orchestrator, directStore)
	notifier := newNotifier(cfg)

	c := cron.New()
	job := aggregator.NewJob(orchestrator, cfg.AggregationTimeout)
	if _, err := aggregator.Schedule(c, job, cfg.UpdateIntervalSeconds); err != nil {
		logger.Errorf("failed to schedule aggregation job: %v", err)
		os.Exit(1)
	}
	if _, err := c.AddFunc("@daily", func() {
		if _, err := trafficSvc.Cleanup(cfg.TrafficRetentionDays); err != nil {
			logger.Errorf("traffic retention sweep failed: %v", err)
		}
	}); err != nil {
		logger.Errorf("failed to schedule traffic retention sweep: %v", err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	root := router.Group("/")
	controller.NewSubscriptionController(root, publisher, resolver, policyStore, trafficSvc)
	controller.NewAdminController(root, cfg.AdminBearerToken, sourceRegistry, orchestrator, directStore, policyStore, trafficSvc, auditLog, notifier, resolver)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	go func() {
		logger.Infof("xpertd listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server error: %v", err)
		}
	}()

	waitForShutdown(srv)
}

func newNotifier(cfg *config.Config) *notify.Notifier {
	if !cfg.TelegramEnabled {
		return notify.New("", 0)
	}
	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		logger.Warningf("invalid TG_BOT_CHAT_ID %q, telegram notifications disabled: %v", cfg.TelegramChatID, err)
		return notify.New("", 0)
	}
	return notify.New(cfg.TelegramToken, chatID)
}

func newRedisClient(url string) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warningf("invalid REDIS_URL %q, target-IP probe cache disabled: %v", url, err)
		return nil
	}
	return redis.NewClient(opts)
}

func waitForShutdown(srv *http.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down xpertd...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("graceful shutdown failed: %v", err)
	}
}
