// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command gateway runs the multi-tenant LLM gateway.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/sysdr/aigateway/pkg/secrets"
	"github.com/sysdr/aigateway/services/audit"
	"github.com/sysdr/aigateway/services/breaker"
	"github.com/sysdr/aigateway/services/eventstore"
	"github.com/sysdr/aigateway/services/failover"
	"github.com/sysdr/aigateway/services/gateway/config"
	"github.com/sysdr/aigateway/services/gateway/handlers"
	"github.com/sysdr/aigateway/services/gateway/observability"
	"github.com/sysdr/aigateway/services/gateway/routes"
	"github.com/sysdr/aigateway/services/llm"
	"github.com/sysdr/aigateway/services/policy"
	"github.com/sysdr/aigateway/services/ratelimit"
	"github.com/sysdr/aigateway/services/retention"
	"github.com/sysdr/aigateway/services/storage"
	"github.com/sysdr/aigateway/services/storage/badgerstore"
	"github.com/sysdr/aigateway/services/usage"
)

func initTracer(ctx context.Context, endpoint string) (func(context.Context), error) {
	if endpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, trace export disabled")
		return func(context.Context) {}, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("aigateway")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildClients constructs the configured LLM backends in failover
// priority order. Backends that fail to construct are skipped with a
// warning so one missing API key does not take the gateway down.
func buildClients(names []string, keyring *secrets.Keyring) []llm.LLMClient {
	var clients []llm.LLMClient
	for _, name := range names {
		var (
			client llm.LLMClient
			err    error
		)
		switch name {
		case "gemini":
			client, err = llm.NewGeminiClient(keyring)
		case "openai":
			client, err = llm.NewOpenAIClient()
		case "ollama":
			client, err = llm.NewOllamaClient()
		default:
			slog.Warn("unknown LLM backend, skipping", "backend", name)
			continue
		}
		if err != nil {
			slog.Warn("failed to initialize LLM backend, skipping", "backend", name, "error", err)
			continue
		}
		clients = append(clients, client)
		slog.Info("initialized LLM backend", "backend", name)
	}
	return clients
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleanup, err := initTracer(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	// --- Storage ---
	pool, err := storage.InitPostgres(ctx)
	if err != nil {
		log.Fatalf("FATAL: could not connect to PostgreSQL: %v", err)
	}
	defer pool.Close()
	tenantStore := storage.NewTenantStore(pool)
	conversationStore := storage.NewConversationStore(pool)

	auditCfg := badgerstore.DefaultConfig(filepath.Join(cfg.DataDir, "audit"))
	auditDB, err := badgerstore.Open(auditCfg)
	if err != nil {
		log.Fatalf("FATAL: could not open audit store: %v", err)
	}
	defer auditDB.Close()
	go badgerstore.RunGC(ctx, auditDB, auditCfg, slog.Default())
	auditStore, err := audit.NewStore(auditDB)
	if err != nil {
		log.Fatalf("FATAL: could not recover audit chain: %v", err)
	}

	eventCfg := badgerstore.DefaultConfig(filepath.Join(cfg.DataDir, "events"))
	eventDB, err := badgerstore.Open(eventCfg)
	if err != nil {
		log.Fatalf("FATAL: could not open event store: %v", err)
	}
	defer eventDB.Close()
	go badgerstore.RunGC(ctx, eventDB, eventCfg, slog.Default())
	eventStore := eventstore.NewStore(eventDB)

	// --- Rate limiting ---
	localLimiter := ratelimit.NewLocalLimiter(ctx)
	var limiter ratelimit.Limiter = localLimiter
	if cfg.RedisEnabled {
		rdb, err := storage.InitRedis(ctx)
		if err != nil {
			slog.Warn("Redis unavailable, rate limiting stays process-local", "error", err)
		} else {
			defer rdb.Close()
			limiter = ratelimit.NewRedisLimiter(rdb, localLimiter)
			slog.Info("distributed rate limiting enabled")
		}
	}

	// --- Policy engine ---
	var policyEngine *policy.Engine
	if cfg.PolicyPatternsFile != "" {
		policyEngine, err = policy.NewEngineFromFile(cfg.PolicyPatternsFile)
		if err != nil {
			log.Fatalf("FATAL: could not load policy patterns from %s: %v", cfg.PolicyPatternsFile, err)
		}
		watcher, err := policy.NewWatcher(policyEngine, cfg.PolicyPatternsFile)
		if err != nil {
			slog.Warn("policy hot reload disabled", "error", err)
		} else {
			watcher.Start(ctx)
		}
	} else {
		policyEngine, err = policy.NewEngine()
		if err != nil {
			log.Fatalf("FATAL: could not initialize the policy engine: %v", err)
		}
	}

	// --- Usage tracking ---
	var sink usage.Sink
	influxSink, err := usage.NewInfluxSink(ctx)
	if err != nil {
		slog.Warn("InfluxDB sink unavailable, usage stays in memory", "error", err)
	} else if influxSink != nil {
		defer influxSink.Close()
		sink = influxSink
	}
	tracker := usage.NewTracker(sink)

	// --- LLM backends with failover ---
	keyring := secrets.NewKeyring()
	defer secrets.Purge()
	clients := buildClients(cfg.Backends, keyring)
	if len(clients) == 0 {
		log.Fatalf("FATAL: no usable LLM backend among %v", cfg.Backends)
	}
	breakerConfig := breaker.DefaultConfig()
	breakerConfig.OnStateChange = func(name string, from, to breaker.State) {
		slog.Warn("circuit breaker state changed",
			"backend", name, "from", from.String(), "to", to.String())
		if observability.DefaultMetrics != nil {
			observability.DefaultMetrics.SetBreakerState(name, float64(to))
		}
	}
	registry := breaker.NewRegistry(breakerConfig)
	orchestrator, err := failover.NewOrchestrator(registry, clients, failover.WithRecorder(auditStore))
	if err != nil {
		log.Fatalf("FATAL: could not build failover orchestrator: %v", err)
	}
	orchestrator.StartHealthLoop(ctx, cfg.HealthProbeInterval)

	// --- Retention ---
	sweeper := retention.NewSweeper(tenantStore, conversationStore, eventStore, auditStore,
		retention.WithAuditPruner(auditStore))
	schedule := cfg.RetentionSchedule
	if schedule == "" {
		schedule = retention.DefaultSchedule
	}
	if err := sweeper.Start(schedule); err != nil {
		log.Fatalf("FATAL: invalid retention schedule %q: %v", schedule, err)
	}
	defer sweeper.Stop()

	// --- HTTP ---
	env := &handlers.Env{
		LLM:           orchestrator,
		Failover:      orchestrator,
		Policy:        policyEngine,
		Tracker:       tracker,
		Tenants:       tenantStore,
		Conversations: conversationStore,
		Events:        eventStore,
		Audit:         auditStore,
		AuditStore:    auditStore,
		Breakers:      registry,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aigateway"))
	routes.SetupRoutes(router, env, limiter, cfg.JWTSecret)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("starting the gateway server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
}
