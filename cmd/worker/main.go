package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/datacleanse/internal/config"
	"github.com/ignite/datacleanse/internal/pkg/logger"
	"github.com/ignite/datacleanse/internal/progress"
	"github.com/ignite/datacleanse/internal/queue"
	"github.com/ignite/datacleanse/internal/rules"
	"github.com/ignite/datacleanse/internal/storage"
	"github.com/ignite/datacleanse/internal/worker"
)

func main() {
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	log.Printf("[Worker] Data cleanse worker %s starting", workerID)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[Worker] Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	db, err := storage.Open(cfg.Database.URL, cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns, time.Duration(cfg.Database.ConnMaxLifetime)*time.Minute)
	if err != nil {
		log.Fatalf("[Worker] Database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("[Worker] Database unreachable: %v", err)
	}
	if err := storage.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("[Worker] Schema: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("[Worker] Redis unreachable: %v", err)
	}
	defer rdb.Close()

	registry := rules.NewRegistry()
	ruleStore := rules.NewStore(registry, cfg.Rules.Path, cfg.Rules.HistorySize, cfg.Rules.ReloadDebounce)
	if err := ruleStore.Load(); err != nil {
		log.Fatalf("[Worker] Rule configuration: %v", err)
	}
	if err := ruleStore.Watch(); err != nil {
		log.Printf("[Worker] Rule hot reload disabled: %v", err)
	}
	defer ruleStore.Close()

	cache := rules.NewResultCache(cfg.Rules.CacheMaxEntries,
		rules.CacheTTL(ruleStore.Get().GlobalSettings))
	engine := rules.NewEngine(registry, cache)
	tracker := progress.NewTracker(rdb)
	consumer := worker.NewConsumer(workerID, cfg,
		queue.New(rdb, cfg.Queue),
		storage.NewFileRepo(db),
		storage.NewPersister(db, cfg.Processing.PersistMaxRetries, cfg.Processing.PersistBaseBackoff),
		tracker,
		ruleStore,
		engine,
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		consumer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		consumer.RunReclaimer(ctx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("[Worker] Shutting down")
	cancel()
	wg.Wait()
	log.Println("[Worker] Stopped")
}
