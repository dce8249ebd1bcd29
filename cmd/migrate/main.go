// Command migrate bootstraps the contact storage schema and, when given
// tenant ids, creates their partitioned relation families.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/ignite/audience-engine/internal/config"
	"github.com/ignite/audience-engine/internal/gather"
	"github.com/ignite/audience-engine/internal/tenant"
)

func main() {
	cfg, err := config.LoadFromEnv("config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping: %v", err)
	}

	dir := tenant.NewDirectory(db, cfg.Partition.HashLimitCap, cfg.Partition.SmallTenantThreshold)
	if err := dir.InitializeSchema(ctx); err != nil {
		log.Fatalf("contact schema: %v", err)
	}
	if err := gather.New(db).EnsureSchema(ctx); err != nil {
		log.Fatalf("gather schema: %v", err)
	}

	for _, tenantID := range os.Args[1:] {
		if err := dir.InitializeTenant(ctx, tenantID); err != nil {
			log.Fatalf("tenant %s: %v", tenantID, err)
		}
		log.Printf("tenant %s initialized", tenantID)
	}
	log.Println("schema ready")
}
