package main

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brightpath/contentgen/internal/cache"
	"github.com/brightpath/contentgen/internal/config"
	"github.com/brightpath/contentgen/internal/db"
	"github.com/brightpath/contentgen/internal/httpapi"
	"github.com/brightpath/contentgen/internal/httpapi/handlers"
	"github.com/brightpath/contentgen/internal/logger"
	"github.com/brightpath/contentgen/internal/progress"
	"github.com/brightpath/contentgen/internal/queue"
	"github.com/brightpath/contentgen/internal/request"
)

func main() {
	cfg := config.Load()
	zlog, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zlog.Sync()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(&request.GenerationRequest{}); err != nil {
		log.Fatalf("automigrate: %v", err)
	}
	repo := request.NewRepo(gdb)

	var rds *redis.Client
	if cfg.RedisAddr != "" {
		rds = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rds.Close()
	}

	var fast cache.FastTier
	if rds != nil {
		fast = cache.NewRedisFastTier(rds)
	} else {
		zlog.Warn("no redis configured, fast cache tier is process-local")
		fast = cache.NewMemoryFastTier()
	}

	var durable cache.DurableTier
	if cfg.GCSBucket != "" {
		g, err := cache.NewGCSDurableTier(context.Background(), cfg.GCSBucket)
		if err != nil {
			log.Fatalf("gcs tier: %v", err)
		}
		defer g.Close()
		durable = g
	} else {
		zlog.Warn("no gcs bucket configured, durable cache tier is process-local")
		durable = cache.NewMemoryDurableTier()
	}
	contentCache := cache.New(fast, durable, cfg.CacheTTL, zlog)

	var progressStore progress.Store
	switch cfg.ProgressBackend {
	case "redis":
		if rds == nil {
			log.Fatalf("PROGRESS_BACKEND=redis requires REDIS_ADDR")
		}
		progressStore = progress.NewRedisStore(rds, cfg.ProgressRetention)
	default:
		ms := progress.NewMemoryStore(cfg.ProgressMaxEntries, cfg.ProgressRetention)
		ms.StartSweeper(time.Minute)
		defer ms.Close()
		progressStore = ms
	}

	pub, err := queue.NewPublisher(cfg.RabbitURL, cfg.Environment)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	h := handlers.NewHandler(repo, cfg, pub, contentCache, progressStore, zlog)
	r := httpapi.NewRouter(h, cfg)

	zlog.Info("api listening", "addr", cfg.HTTPAddr, "env", cfg.Environment)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
