package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hustlexp/backend/internal/api"
	"github.com/hustlexp/backend/internal/config"
	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/dispute"
	"github.com/hustlexp/backend/internal/escrow"
	"github.com/hustlexp/backend/internal/fabric"
	"github.com/hustlexp/backend/internal/infra"
	"github.com/hustlexp/backend/internal/notify"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/payments"
	"github.com/hustlexp/backend/internal/plan"
	"github.com/hustlexp/backend/internal/recompute"
	"github.com/hustlexp/backend/internal/storage"
	"github.com/hustlexp/backend/internal/task"
	"github.com/hustlexp/backend/internal/trust"
	"github.com/hustlexp/backend/internal/xp"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()
	if err := db.VerifyKernel(ctx); err != nil {
		log.Fatalf("Storage kernel check failed (run migrations first): %v", err)
	}

	rdb, err := infra.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	ob := outbox.NewWriter()

	escrowEngine := escrow.NewEngine(db, escrow.NewPGStore(), ob)

	trustService := trust.NewService(db, trust.NewPGStore(), nil, ob)

	planService := plan.NewService(db, plan.NewPGStore(db.DB))

	taskEngine := task.NewEngine(db, task.NewPGStore(), trustService,
		task.NewRedisKillSwitch(rdb),
		task.NewRedisRateLimiter(rdb, cfg.Trust.AcceptRateLimit, time.Minute),
		task.NewHeuristicCompletenessGate(),
		planService, escrowEngine, ob,
		task.Config{
			MinInstantTier:          core.TrustTier(cfg.Trust.MinInstantTier),
			MinSensitiveInstantTier: core.TrustTier(cfg.Trust.MinSensitiveInstantTier),
		})
	trustService.SetTaskCanceller(taskEngine)

	disputeService := dispute.NewService(db, dispute.NewPGStore(), escrowEngine, taskEngine, ob)

	paymentsClient := payments.NewClient(cfg.Payments.BaseURL, cfg.Payments.APIKey)
	xpService := xp.NewService(db, xp.NewPGStore(), paymentsClient, ob)

	ingestor := payments.NewIngestor(db, payments.NewPGIngestStore(),
		escrowEngine, taskEngine, ob, payments.NewMetrics())

	recomputeService := recompute.NewService(db, recompute.NewPGStore())

	hub := fabric.NewHub()
	registry := notify.NewRegistry()

	server := api.NewServer(api.Deps{
		Tasks:         taskEngine,
		Disputes:      disputeService,
		Trust:         trustService,
		XP:            xpService,
		Plans:         planService,
		Recompute:     recomputeService,
		Ingestor:      ingestor,
		Hub:           hub,
		Registry:      registry,
		WebhookSecret: cfg.Payments.WebhookSecret,
		HealthChecks: map[string]func(context.Context) error{
			"postgres": db.PingContext,
			"redis": func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		},
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 API listening on :%s (env=%s)", cfg.Server.Port, cfg.Server.Env)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Received shutdown signal, shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ Shutdown error: %v", err)
	}
	log.Println("✅ Server stopped")
}
