package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/audience-engine/internal/api"
	"github.com/ignite/audience-engine/internal/blob"
	"github.com/ignite/audience-engine/internal/bulk"
	"github.com/ignite/audience-engine/internal/config"
	"github.com/ignite/audience-engine/internal/gather"
	"github.com/ignite/audience-engine/internal/importer"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/taskq"
	"github.com/ignite/audience-engine/internal/tenant"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping database: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	var blobs blob.Store
	if cfg.Storage.S3Bucket != "" {
		s3Store, err := blob.NewS3Store(ctx, cfg.Storage.S3Bucket, cfg.Storage.AWSRegion, cfg.Storage.GetAWSProfile())
		if err != nil {
			log.Fatalf("open blob store: %v", err)
		}
		blobs = s3Store
	} else {
		logger.Warn("no transfer bucket configured, using in-memory blob store")
		blobs = blob.NewMemoryStore()
	}

	queue := taskq.NewQueue(redisClient)
	coord := gather.New(db)
	dir := tenant.NewDirectory(db, cfg.Partition.HashLimitCap, cfg.Partition.SmallTenantThreshold)

	ops := bulk.New(db, queue, coord, dir, blobs, nil)
	ops.Throttle = bulk.NewRedisThrottle(redisClient, cfg.Throttle.HourlyDomainBudget)
	imp := importer.New(db, queue, coord, dir, blobs, nil)

	handlers := api.NewHandlers(db, ops, imp, dir, nil)
	server := api.NewServer(cfg.Server, handlers)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
	logger.Info("server stopped")
}
