package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/datacleanse/internal/api"
	"github.com/ignite/datacleanse/internal/config"
	"github.com/ignite/datacleanse/internal/pkg/logger"
	"github.com/ignite/datacleanse/internal/queue"
	"github.com/ignite/datacleanse/internal/rules"
	"github.com/ignite/datacleanse/internal/storage"
	"github.com/ignite/datacleanse/internal/uploadprog"
)

func main() {
	log.Println("[Server] Data cleanse API starting")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[Server] Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	db, err := storage.Open(cfg.Database.URL, cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns, time.Duration(cfg.Database.ConnMaxLifetime)*time.Minute)
	if err != nil {
		log.Fatalf("[Server] Database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("[Server] Database unreachable: %v", err)
	}
	if err := storage.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("[Server] Schema: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("[Server] Redis unreachable: %v", err)
	}
	defer rdb.Close()

	registry := rules.NewRegistry()
	ruleStore := rules.NewStore(registry, cfg.Rules.Path, cfg.Rules.HistorySize, cfg.Rules.ReloadDebounce)
	if err := ruleStore.Load(); err != nil {
		log.Fatalf("[Server] Rule configuration: %v", err)
	}
	if err := ruleStore.Watch(); err != nil {
		log.Printf("[Server] Rule hot reload disabled: %v", err)
	}
	defer ruleStore.Close()

	fileStore, err := storage.NewFileStore(cfg.Upload.Dir)
	if err != nil {
		log.Fatalf("[Server] Upload dir: %v", err)
	}

	uploads := uploadprog.NewTracker()
	defer uploads.Close()

	handlers := api.NewHandlers(cfg,
		storage.NewFileRepo(db),
		fileStore,
		storage.NewPersister(db, cfg.Processing.PersistMaxRetries, cfg.Processing.PersistBaseBackoff),
		queue.New(rdb, cfg.Queue),
		rdb,
		ruleStore,
		uploads,
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.SetupRoutes(handlers),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Printf("[Server] Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("[Server] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Shutdown: %v", err)
	}
	log.Println("[Server] Stopped")
}
