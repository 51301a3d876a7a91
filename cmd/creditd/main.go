package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/rephlo/credit-ledger/config"
	"github.com/rephlo/credit-ledger/internal/api"
	"github.com/rephlo/credit-ledger/internal/auth"
	"github.com/rephlo/credit-ledger/internal/credit"
	creditpg "github.com/rephlo/credit-ledger/internal/credit/postgres"
	"github.com/rephlo/credit-ledger/internal/events/kafka"
	"github.com/rephlo/credit-ledger/internal/seeder"
	"github.com/rephlo/credit-ledger/internal/telemetry"
	"github.com/rephlo/credit-ledger/internal/worker"
	"github.com/rephlo/credit-ledger/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("credit-ledger", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init credit store and schema
	creditStore := creditpg.NewStore(pool, creditpg.WithMaxAttempts(cfg.ApplyDeltaMaxRetries))
	if err := creditStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to ensure credit schema: %v", err)
	}

	// 6. Init auth
	authStore := auth.NewPostgresStore(pool)
	if err := authStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to ensure auth schema: %v", err)
	}
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 7. Init audit event stream (optional)
	var publisher credit.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := kafka.NewPublisher(cfg.KafkaBrokers)
		defer kp.Close()
		publisher = kp
		log.Printf("Kafka audit stream enabled: %v", cfg.KafkaBrokers)
	}

	// 8. Init quantization config and engines
	incrementCfg, err := credit.NewIncrementConfig(ctx, creditStore)
	if err != nil {
		log.Fatalf("failed to load quantization increment: %v", err)
	}
	log.Printf("quantization increment: %s credits", incrementCfg.Current())

	allocator := credit.NewAllocator(creditStore, publisher)
	deductor := credit.NewDeductor(creditStore, incrementCfg, publisher)
	reconciler := credit.NewReconciler(creditStore, publisher)

	// 9. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)

	// 10. Init handler
	tracer := otel.GetTracerProvider().Tracer("credit-ledger")
	handler := api.NewHandler(creditStore, deductor, allocator, reconciler, incrementCfg, limiter, tracer, api.Policy{
		DefaultMarginMultiplier: cfg.DefaultMarginMultiplier,
		AllowOverdraft:          cfg.AllowOverdraft,
	})

	// 11. Seed test account if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAccount(ctx, authStore, allocator)
	}

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"credit-ledger"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		handler.Routes(r)
	})

	// 13. Background reconciliation sweep
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if cfg.ReconcileInterval > 0 {
		sweeper := worker.NewSweeper(creditStore, reconciler, cfg.ReconcileInterval)
		go sweeper.Run(sweepCtx)
	}

	// 14. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("credit-ledger starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
