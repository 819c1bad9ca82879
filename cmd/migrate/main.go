package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/hustlexp/backend/internal/config"
	"github.com/hustlexp/backend/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := storage.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	if err := db.VerifyKernel(ctx); err != nil {
		log.Fatalf("Kernel verification failed: %v", err)
	}

	version, err := db.CurrentSchemaVersion(ctx)
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	log.Printf("✅ Schema migrated and kernel verified (version=%d)", version)
}
