package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/insurgrid/email-engine/internal/api"
	"github.com/insurgrid/email-engine/internal/config"
	"github.com/insurgrid/email-engine/internal/crypto"
	"github.com/insurgrid/email-engine/internal/dispatcher"
	"github.com/insurgrid/email-engine/internal/events"
	"github.com/insurgrid/email-engine/internal/inbound"
	"github.com/insurgrid/email-engine/internal/inbox"
	"github.com/insurgrid/email-engine/internal/oauth"
	"github.com/insurgrid/email-engine/internal/scheduler"
	"github.com/insurgrid/email-engine/internal/sendgrid"
	"github.com/insurgrid/email-engine/internal/store"
	"github.com/insurgrid/email-engine/internal/validation"
	"github.com/insurgrid/email-engine/internal/verifier"
)

func main() {
	log.Println("Starting email engine server...")

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
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Printf("Invalid REDIS_URL, recency cache disabled: %v", err)
		} else {
			redisClient = redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := redisClient.Ping(pingCtx).Err(); err != nil {
				log.Printf("Redis unreachable, recency cache disabled: %v", err)
				redisClient = nil
			}
			cancel()
		}
	}

	vault, err := crypto.NewVault(cfg.Tokens.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to init token vault: %v", err)
	}

	st := store.New(db)
	mail := sendgrid.New(cfg.SendGrid.APIKey, cfg.SendGrid.ValidationKey,
		cfg.SendGrid.BaseURL, cfg.SendGrid.Timeout())
	if cfg.SendGrid.DryRun() {
		log.Println("SENDGRID_API_KEY not set, sends run in dry-run mode")
	}

	adapters := buildAdapters(cfg)

	sched := scheduler.New(st)
	ver := verifier.New(st, cfg.Scheduler.VerifyBatchSize)
	disp := dispatcher.New(st, mail, redisClient, cfg.Scheduler.DispatchBatchSize, cfg.Links.UnsubscribeURL)

	var validator *validation.Runner
	if cfg.SendGrid.ValidationKey != "" {
		validator = validation.New(st, mail, 0)
	} else {
		log.Println("SENDGRID_VALIDATION_KEY not set, daily validation pass disabled")
	}

	injector := inbox.New(st, vault, adapters, mail, cfg.Links.DefaultDomain)

	handlers := api.NewHandlers(st, db, sched, ver, disp, validator,
		events.NewProcessor(st), inbound.NewProcessor(st), injector,
		vault, adapters, cfg.Links.FrontendURL)

	var origins []string
	if cfg.Links.FrontendURL != "" {
		origins = append(origins, strings.TrimSuffix(cfg.Links.FrontendURL, "/"))
	}
	router := api.SetupRoutes(handlers, origins)
	server := api.NewServer(router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(cfg.Server.GetHost(), cfg.Server.Port)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case sig := <-quit:
		log.Printf("Received %s, shutting down...", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown: %v", err)
	}
	log.Println("Server stopped")
}

func buildAdapters(cfg *config.Config) map[string]oauth.Adapter {
	adapters := make(map[string]oauth.Adapter)
	if cfg.Google.ClientID != "" {
		a, err := oauth.NewAdapter("gmail", cfg.Server.BaseURL, cfg)
		if err == nil {
			adapters["gmail"] = a
		}
	}
	if cfg.Microsoft.ClientID != "" {
		a, err := oauth.NewAdapter("microsoft", cfg.Server.BaseURL, cfg)
		if err == nil {
			adapters["microsoft"] = a
		}
	}
	if len(adapters) == 0 {
		log.Println("No OAuth providers configured, inbox injection will use the forward fallback")
	}
	return adapters
}
