package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/insurgrid/email-engine/internal/config"
	"github.com/insurgrid/email-engine/internal/dispatcher"
	"github.com/insurgrid/email-engine/internal/pkg/distlock"
	"github.com/insurgrid/email-engine/internal/scheduler"
	"github.com/insurgrid/email-engine/internal/sendgrid"
	"github.com/insurgrid/email-engine/internal/store"
	"github.com/insurgrid/email-engine/internal/validation"
	"github.com/insurgrid/email-engine/internal/verifier"
	"github.com/insurgrid/email-engine/internal/worker"
)

func main() {
	log.Println("Starting email engine worker...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		if opts, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			redisClient = redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := redisClient.Ping(pingCtx).Err(); err != nil {
				log.Printf("Redis unreachable: %v", err)
				redisClient = nil
			}
			cancel()
		}
	}

	st := store.New(db)
	mail := sendgrid.New(cfg.SendGrid.APIKey, cfg.SendGrid.ValidationKey,
		cfg.SendGrid.BaseURL, cfg.SendGrid.Timeout())

	var validator *validation.Runner
	if cfg.SendGrid.ValidationKey != "" {
		validator = validation.New(st, mail, 0)
	}

	pool := worker.NewPool(
		scheduler.New(st),
		verifier.New(st, cfg.Scheduler.VerifyBatchSize),
		dispatcher.New(st, mail, redisClient, cfg.Scheduler.DispatchBatchSize, cfg.Links.UnsubscribeURL),
		validator,
	)
	pool.SetIntervals(cfg.Scheduler.RefreshInterval(), cfg.Scheduler.VerifyInterval(), cfg.Scheduler.DispatchInterval())
	pool.SetLock(distlock.NewLock(redisClient, db, "email-engine:refresh", cfg.Scheduler.RefreshInterval()))

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received %s, shutting down...", sig)
	cancel()

	// Let the loops observe the cancel before the process exits.
	time.Sleep(2 * time.Second)
	log.Println("Worker stopped")
}
