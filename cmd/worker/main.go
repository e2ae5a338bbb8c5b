package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/brightpath/contentgen/internal/cache"
	"github.com/brightpath/contentgen/internal/config"
	"github.com/brightpath/contentgen/internal/db"
	"github.com/brightpath/contentgen/internal/logger"
	"github.com/brightpath/contentgen/internal/notify"
	"github.com/brightpath/contentgen/internal/pipeline"
	"github.com/brightpath/contentgen/internal/progress"
	"github.com/brightpath/contentgen/internal/queue"
	"github.com/brightpath/contentgen/internal/request"
	"github.com/brightpath/contentgen/internal/worker"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

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

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhook(cfg.NotifyWebhookURL, zlog)
	}

	gateway := pipeline.NewGateway(cfg.GatewayBaseURL, cfg.GatewayAPIKey)
	orch := pipeline.NewOrchestrator(pipeline.GatewayProviders(gateway), contentCache, progressStore, notifier, zlog, pipeline.Options{
		RetrievalLimit:      cfg.RetrievalLimit,
		TargetScriptSeconds: cfg.TargetScriptSeconds,
		LeaseTTL:            cfg.GenerationLeaseTTL,
		CacheWaitInterval:   cfg.CacheWaitPollInterval,
		CacheWaitMaxPolls:   cfg.CacheWaitMaxPolls,
	})

	pub, err := queue.NewPublisher(cfg.RabbitURL, cfg.Environment)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	policy := worker.RetryPolicy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay, Jitter: 0.2}
	w := worker.New(repo, orch, pub, notifier, zlog, cfg.MaxDeliveryAttempts, policy, cfg.DefaultStyle)

	concurrency := workerConcurrency()
	consumer, err := queue.NewConsumer(cfg.RabbitURL, cfg.Environment, concurrency)
	if err != nil {
		log.Fatalf("rabbit consumer: %v", err)
	}
	defer consumer.Close()

	msgs, err := consumer.Consume()
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zlog.Info("worker started", "queue", consumer.Names().Main, "concurrency", concurrency)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var msg queue.Message
				if err := json.Unmarshal(d.Body, &msg); err != nil || msg.RequestID == "" {
					zlog.Warn("bad message, dead-lettering", "worker", workerID, "err", err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				decision := w.Process(ctx, msg, consumer.Attempts(d))
				switch decision {
				case worker.DeadLetter:
					if err := d.Nack(false, false); err != nil {
						zlog.Error("nack failed", "worker", workerID, "request_id", msg.RequestID, "err", err)
					}
				default:
					if err := d.Ack(false); err != nil {
						zlog.Error("ack failed", "worker", workerID, "request_id", msg.RequestID, "err", err)
					}
				}
				zlog.Debug("message settled", "worker", workerID, "request_id", msg.RequestID, "cost", time.Since(start).String())
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			zlog.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				zlog.Warn("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
