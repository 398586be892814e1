// Command orchestrator runs the workflow orchestration service: the REST
// API, the execution engine, the approval subsystem and the event streams,
// in one binary.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/flowcore-ai/flowcore/internal/ai"
	"github.com/flowcore-ai/flowcore/internal/approval"
	"github.com/flowcore-ai/flowcore/internal/bus"
	"github.com/flowcore-ai/flowcore/internal/engine"
	"github.com/flowcore-ai/flowcore/internal/gateway"
	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/node"
	"github.com/flowcore-ai/flowcore/internal/notify"
	"github.com/flowcore-ai/flowcore/internal/platform/cache"
	"github.com/flowcore-ai/flowcore/internal/platform/config"
	"github.com/flowcore-ai/flowcore/internal/platform/lock"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
	"github.com/flowcore-ai/flowcore/internal/platform/messaging"
	"github.com/flowcore-ai/flowcore/internal/platform/metrics"
	"github.com/flowcore-ai/flowcore/internal/platform/ratelimit"
	"github.com/flowcore-ai/flowcore/internal/platform/telemetry"
	"github.com/flowcore-ai/flowcore/internal/store/mongostore"
	"github.com/flowcore-ai/flowcore/internal/webhook"
	"github.com/flowcore-ai/flowcore/internal/workflow"
	"github.com/flowcore-ai/flowcore/pkg/middleware"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logger)
	log.Info("starting orchestrator",
		"service", cfg.Service.Name, "environment", cfg.Service.Environment)

	tel, err := telemetry.New(cfg.Service.Name, cfg.Telemetry)
	if err != nil {
		log.Fatal("failed to initialize telemetry", "error", err)
	}

	m := metrics.New(cfg.Service.Name)

	connectCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	st, err := mongostore.New(connectCtx, cfg.Mongo.URL, cfg.Mongo.Database)
	cancel()
	if err != nil {
		log.Fatal("failed to connect to store", "error", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatal("failed to connect to redis", "error", err)
	}

	c := cache.NewRedisCache(redisClient, cfg.Service.Name)
	locker := lock.NewRedisLocker(redisClient, cfg.Service.Name)
	eventBus := bus.New(bus.WithDropHook(func() { m.BusDroppedEvents.Inc() }))
	limiter := ratelimit.New(c, log, m)

	router := ai.NewRouter(cfg.Providers.Map(), limiter, cfg.RateLimit, log, m)
	registry := node.DefaultRegistry(router)

	eng := engine.New(st, eventBus, locker, registry, cfg.Engine, log, m)
	router.SetEventSink(func(ctx context.Context, e *model.Event) { eng.Emit(ctx, e) })

	approvals := approval.NewManager(st, eng, cfg.Approval, log)
	if notifier := notify.New(cfg.Notifier, log); notifier != nil {
		eng.SetFinishHandler(notifier.ExecutionFinished)
	}
	workflows := workflow.NewService(st, c, log)
	hub := gateway.NewHub(eventBus, log)

	mirror, err := messaging.NewMirror(cfg.Kafka, eventBus, log, m)
	if err != nil {
		log.Fatal("failed to start kafka mirror", "error", err)
	}

	eng.Start()
	if err := approvals.Start(); err != nil {
		log.Fatal("failed to start approval sweeper", "error", err)
	}
	recovery := engine.NewRecovery(eng)
	if cfg.Engine.RecoveryEnabled {
		if err := recovery.Start(); err != nil {
			log.Fatal("failed to start recovery sweep", "error", err)
		}
	}

	r := mux.NewRouter()
	r.Use(middleware.Recovery(log), middleware.Logging(log), middleware.CORS)
	r.Handle("/metrics", m.Handler())

	gateway.NewHandler(workflows, eng, st, hub, limiter, cfg.RateLimit, log).Register(r)
	approval.NewHandler(approvals, log).Register(r)
	webhook.NewHandler(st, eng, cfg.Webhook, log).Register(r)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("http server listening", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	hub.Close()
	if cfg.Engine.RecoveryEnabled {
		recovery.Stop()
	}
	approvals.Stop()
	eng.Stop()
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			log.Error("kafka mirror close failed", "error", err)
		}
	}
	eventBus.Close()
	if err := st.Close(shutdownCtx); err != nil {
		log.Error("store close failed", "error", err)
	}
	if err := redisClient.Close(); err != nil {
		log.Error("redis close failed", "error", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		log.Error("telemetry shutdown failed", "error", err)
	}
	log.Info("shutdown complete")
}
