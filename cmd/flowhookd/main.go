// Command flowhookd runs the event-trigger orchestration service: the
// inbound webhook receiver, the event bus with its polling fallback, the
// trigger matcher and action executor, and the outbound delivery workers.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/dlq"
	"github.com/flowhook/flowhook/eventbus"
	"github.com/flowhook/flowhook/executor"
	"github.com/flowhook/flowhook/resilience"
	"github.com/flowhook/flowhook/secrets"
	"github.com/flowhook/flowhook/telemetry"
	"github.com/flowhook/flowhook/trigger"
	"github.com/flowhook/flowhook/webhook"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "flowhookd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := core.NewProductionLogger(core.ProductionLoggerConfig{
		ServiceName:   cfg.ServiceName,
		Level:         cfg.LogLevel,
		RatePerSecond: cfg.LogRatePerSecond,
	})

	provider, err := telemetry.NewOTelProvider(cfg.ServiceName, cfg.OTLPEndpoint, cfg.TracingSampleRate)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	cacheRedis, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.RedisURL,
		DB:        core.RedisDBCache,
		Namespace: "flowhook:cache",
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer cacheRedis.Close()

	ratelimitRedis, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.RedisURL,
		DB:        core.RedisDBRateLimiting,
		Namespace: "flowhook:ratelimit",
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer ratelimitRedis.Close()

	queueRedis, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.RedisURL,
		DB:        core.RedisDBDeliveryQueue,
		Namespace: "flowhook:queue",
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer queueRedis.Close()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connecting to database: %w", core.ErrConnectionFailed)
	}

	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	eventStore := eventbus.NewPostgresEventStore(db, logger)
	triggerStore := trigger.NewPostgresStore(db)
	executionStore := executor.NewPostgresExecutionStore(db)
	dlqStore := dlq.NewPostgresStore(db)
	webhookStore := webhook.NewPostgresWebhookStore(db)
	deliveryStore := webhook.NewPostgresDeliveryStore(db)

	breakerCfg := resilience.DefaultCircuitBreakerConfig("event-broadcast")
	breakerCfg.Logger = logger
	breaker, err := resilience.NewCircuitBreaker(breakerCfg)
	if err != nil {
		return err
	}

	bus, err := eventbus.NewBus(eventbus.BusOptions{
		Store:     eventStore,
		Redis:     cacheRedis,
		Breaker:   breaker,
		Logger:    logger,
		Telemetry: provider,
	})
	if err != nil {
		return err
	}

	queue := webhook.NewQueue(queueRedis)

	registry := executor.NewRegistry()
	registry.Register(trigger.ActionSendWebhook, webhook.NewSendWebhookHandler(queue, webhookStore))

	// The executor dead-letters through the DLQ service, and DLQ retries
	// replay through the executor. The runner closure resolves the
	// executor after both exist.
	var chain *executor.ChainExecutor
	dlqService, err := dlq.NewService(dlq.ServiceOptions{
		Store: dlqStore,
		Runner: dlq.RunnerFunc(func(ctx context.Context, event *eventbus.Event, triggerID string, action *trigger.Action) error {
			_, runErr := chain.ExecuteAction(ctx, event, &trigger.Trigger{ID: triggerID}, action)
			return runErr
		}),
		Logger:    logger,
		Telemetry: provider,
	})
	if err != nil {
		return err
	}

	chain, err = executor.NewChainExecutor(executor.Options{
		Executions: executionStore,
		Handlers:   registry,
		DLQ:        dlqService,
		Logger:     logger,
		Telemetry:  provider,
	})
	if err != nil {
		return err
	}

	matcher := trigger.NewMatcher(triggerStore, logger, provider)

	if err := bus.Subscribe("*", func(ctx context.Context, event *eventbus.Event) error {
		triggers, err := matcher.Match(ctx, event)
		if err != nil {
			return err
		}
		var errs []error
		for _, trig := range triggers {
			if err := chain.ExecuteChain(ctx, event, trig); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}); err != nil {
		return err
	}

	poller, err := eventbus.NewPoller(eventbus.PollerOptions{
		Store:    eventStore,
		Bus:      bus,
		Logger:   logger,
		Interval: cfg.PollInterval,
	})
	if err != nil {
		return err
	}

	inbound, err := webhook.NewInboundHandler(webhook.InboundOptions{
		Webhooks:  webhookStore,
		Cipher:    cipher,
		Limiter:   webhook.NewRateLimiter(ratelimitRedis, webhook.DefaultRateLimit, webhook.DefaultRateWindow),
		Cache:     cacheRedis,
		Emitter:   busEmitter{bus},
		Logger:    logger,
		Telemetry: provider,
	})
	if err != nil {
		return err
	}

	webhookService, err := webhook.NewService(webhook.ServiceOptions{
		Store:           webhookStore,
		Cipher:          cipher,
		PlatformDomains: cfg.PlatformDomains,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	admin, err := webhook.NewAdminHandler(webhook.AdminOptions{
		Service: webhookService,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	worker, err := webhook.NewWorker(webhook.WorkerOptions{
		Queue:       queue,
		Webhooks:    webhookStore,
		Deliveries:  deliveryStore,
		Cipher:      cipher,
		Logger:      logger,
		Telemetry:   provider,
		Concurrency: cfg.DeliveryConcurrency,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bus.Start(ctx); err != nil {
		return err
	}
	poller.Start(ctx)
	worker.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle(webhook.InboundPathPrefix, inbound)
	mux.Handle(webhook.AdminPathPrefix, admin)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := cacheRedis.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", map[string]interface{}{
			"operation": "startup",
			"addr":      cfg.HTTPAddr,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", map[string]interface{}{
			"operation": "shutdown",
		})
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
	worker.Stop()
	poller.Stop()
	bus.Stop()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown incomplete", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
	return nil
}

// busEmitter adapts the bus's Publish, which also returns the stored
// event, to the inbound handler's narrower emitter interface.
type busEmitter struct {
	bus *eventbus.Bus
}

func (e busEmitter) Publish(ctx context.Context, event *eventbus.Event) error {
	_, err := e.bus.Publish(ctx, event)
	return err
}
