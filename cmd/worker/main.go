package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/hustlexp/backend/internal/config"
	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/escrow"
	"github.com/hustlexp/backend/internal/infra"
	"github.com/hustlexp/backend/internal/notify"
	"github.com/hustlexp/backend/internal/plan"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/payments"
	"github.com/hustlexp/backend/internal/storage"
	"github.com/hustlexp/backend/internal/task"
	"github.com/hustlexp/backend/internal/trust"
	"github.com/hustlexp/backend/internal/worker"
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

	queues := []string{
		core.QueueCriticalPayments,
		core.QueueUserNotifications,
		core.QueueMaintenance,
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		log.Fatalf("Failed to connect to Pub/Sub: %v", err)
	}
	defer pubsubClient.Close()

	publisher, err := outbox.NewPubSubPublisher(ctx, cfg.PubSub.ProjectID, queues)
	if err != nil {
		log.Fatalf("Failed to create publisher: %v", err)
	}
	defer publisher.Close()

	ob := outbox.NewWriter()
	escrowEngine := escrow.NewEngine(db, escrow.NewPGStore(), ob)

	rdb, err := infra.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	trustService := trust.NewService(db, trust.NewPGStore(), nil, ob)
	planService := plan.NewService(db, plan.NewPGStore(db.DB))
	taskEngine := task.NewEngine(db, task.NewPGStore(), trustService,
		task.NewRedisKillSwitch(rdb),
		task.NewRedisRateLimiter(rdb, cfg.Trust.AcceptRateLimit, time.Minute),
		task.NewHeuristicCompletenessGate(), planService,
		escrowEngine, ob, task.DefaultConfig())
	trustService.SetTaskCanceller(taskEngine)

	paymentsClient := payments.NewClient(cfg.Payments.BaseURL, cfg.Payments.APIKey)
	xpService := xp.NewService(db, xp.NewPGStore(), paymentsClient, ob)

	ingestor := payments.NewIngestor(db, payments.NewPGIngestStore(),
		escrowEngine, taskEngine, ob, payments.NewMetrics())

	registry := notify.NewRegistry()
	var emitter notify.Emitter
	if cfg.Notify.CloudTasksEnabled {
		emitter, err = notify.NewCloudDispatcher(registry,
			cfg.Notify.ProjectID, cfg.Notify.LocationID, cfg.Notify.QueueID,
			cfg.Notify.FallbackWorkers)
		if err != nil {
			log.Fatalf("Failed to connect to Cloud Tasks: %v", err)
		}
	} else {
		emitter = notify.NewDispatcher(registry, cfg.Notify.FallbackWorkers)
	}
	defer emitter.Shutdown()

	handlers := worker.NewHandlers(db, worker.NewPGStore(), ingestor,
		xpService, trustService, notify.NewService(emitter))

	consumer := worker.NewConsumer(pubsubClient, queues, handlers)
	dispatcher := outbox.NewDispatcher(db, publisher, outbox.NewMetrics())
	recovery := worker.NewStuckRecovery(ingestor,
		cfg.Worker.RecoveryInterval(), cfg.Worker.StuckTimeout())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error { return recovery.Run(ctx) })

	log.Printf("🚀 Worker fabric started (queues=%v)", queues)
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("Worker fabric stopped: %v", err)
	}
	log.Println("✅ Worker stopped")
}
