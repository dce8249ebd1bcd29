package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/audience-engine/internal/blob"
	"github.com/ignite/audience-engine/internal/bulk"
	"github.com/ignite/audience-engine/internal/config"
	"github.com/ignite/audience-engine/internal/contactstore"
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
	if err := coord.EnsureSchema(ctx); err != nil {
		log.Fatalf("gather schema: %v", err)
	}
	dir := tenant.NewDirectory(db, cfg.Partition.HashLimitCap, cfg.Partition.SmallTenantThreshold)

	ops := bulk.New(db, queue, coord, dir, blobs, nil)
	ops.Throttle = bulk.NewRedisThrottle(redisClient, cfg.Throttle.HourlyDomainBudget)
	imp := importer.New(db, queue, coord, dir, blobs, nil)

	worker := taskq.NewWorker(redisClient, cfg.Queue.Concurrency, cfg.Queue.PollInterval())
	ops.RegisterHandlers(worker)
	imp.RegisterHandlers(worker)

	go runSweeps(ctx, cfg, db, coord, dir, ops)

	worker.Start(ctx)
	processed, failed := worker.Stats()
	logger.Info("worker stopped", "processed", processed, "failed", failed)
}

// runSweeps drives the periodic maintenance loops: segment count
// refreshes, activity counter refreshes, partition fan-out checks, and
// stale gather job cleanup.
func runSweeps(ctx context.Context, cfg *config.Config, db *sql.DB, coord *gather.Coordinator, dir *tenant.Directory, ops *bulk.Operator) {
	countTick := time.NewTicker(time.Duration(cfg.Refresh.SegmentCountMinutes) * time.Minute)
	activeTick := time.NewTicker(time.Duration(cfg.Refresh.ActiveCountHours) * time.Hour)
	staleTick := time.NewTicker(time.Hour)
	defer countTick.Stop()
	defer activeTick.Stop()
	defer staleTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-countTick.C:
			forEachTenant(ctx, db, dir, func(tenantID string, store *contactstore.Store) {
				segments, err := store.Segments(ctx)
				if err != nil {
					logger.Error("segment sweep", "tenant", tenantID, "error", err.Error())
					return
				}
				checks := make([]bulk.SegmentCheck, 0, len(segments))
				for _, si := range segments {
					checks = append(checks, bulk.SegmentCheck{ID: si.ID, Modified: si.Modified})
				}
				if _, err := ops.RefreshCounts(ctx, tenantID, checks); err != nil {
					logger.Error("segment count refresh", "tenant", tenantID, "error", err.Error())
				}
			})
		case <-activeTick.C:
			forEachTenant(ctx, db, dir, func(tenantID string, store *contactstore.Store) {
				if _, err := ops.RefreshActive(ctx, tenantID); err != nil {
					logger.Error("active count refresh", "tenant", tenantID, "error", err.Error())
				}
				if err := dir.Reshard(ctx, tenantID); err != nil {
					logger.Error("reshard sweep", "tenant", tenantID, "error", err.Error())
				}
			})
		case <-staleTick.C:
			maxAge := time.Duration(cfg.Refresh.StaleJobHours) * time.Hour
			stale, err := coord.StaleJobs(ctx, maxAge)
			if err != nil {
				logger.Error("stale job scan", "error", err.Error())
				continue
			}
			for _, job := range stale {
				logger.Warn("stale gather job", "job", job.ID, "kind", job.Kind)
			}
			if n, err := coord.DeleteOlderThan(ctx, 2*maxAge); err != nil {
				logger.Error("stale job cleanup", "error", err.Error())
			} else if n > 0 {
				logger.Info("removed stale gather jobs", "count", n)
			}
		}
	}
}

func forEachTenant(ctx context.Context, db *sql.DB, dir *tenant.Directory, fn func(tenantID string, store *contactstore.Store)) {
	ids, err := dir.Tenants(ctx)
	if err != nil {
		logger.Error("tenant sweep", "error", err.Error())
		return
	}
	for _, id := range ids {
		store, err := contactstore.New(db, id, nil)
		if err != nil {
			logger.Warn("tenant sweep skipping invalid id", "tenant", id)
			continue
		}
		fn(id, store)
	}
}
