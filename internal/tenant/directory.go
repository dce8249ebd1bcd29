// Package tenant maintains the per-tenant partition directory. Every
// per-tenant relation is bucketed by mod(contact_id, hashlimit); the
// directory records each tenant's current hashlimit and performs the
// index reorganization when it grows. hashlimit only ever increases.
package tenant

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/pkg/pgutil"
)

// ErrBadTenantID is returned for tenant ids that cannot name relations.
var ErrBadTenantID = fmt.Errorf("tenant: invalid tenant id")

// ListCount is the membership count of one contributing list, used to
// detect small tenants.
type ListCount struct {
	ListID string
	Count  int
}

// Directory answers partition-count queries and runs resharding.
type Directory struct {
	db       *sql.DB
	cap      int
	smallMax int
}

// NewDirectory creates a Directory with the given hashlimit ceiling and
// small-tenant threshold.
func NewDirectory(db *sql.DB, cap, smallMax int) *Directory {
	if cap < 1 {
		cap = 1
	}
	return &Directory{db: db, cap: cap, smallMax: smallMax}
}

// Cap returns the hashlimit ceiling.
func (d *Directory) Cap() int { return d.cap }

// HashLimit returns the partition count for a tenant. When the contributing
// lists are known and their total membership is small the whole evaluation
// runs as a single partition; this is an optimization, not a correctness
// requirement. Otherwise the stored hashlimit is returned, defaulting to
// and clamped at the ceiling.
func (d *Directory) HashLimit(ctx context.Context, tenantID string, lists []ListCount) (int, error) {
	if !ValidID(tenantID) {
		return 0, ErrBadTenantID
	}
	if lists != nil {
		total := 0
		for _, l := range lists {
			total += l.Count
		}
		if total <= d.smallMax {
			return 1, nil
		}
	}

	var hashlimit int
	err := d.db.QueryRowContext(ctx,
		`SELECT hashlimit FROM contacts.contacts_hashlimit WHERE cid = $1`,
		tenantID).Scan(&hashlimit)
	if err == sql.ErrNoRows {
		return d.cap, nil
	}
	if err != nil {
		return 0, fmt.Errorf("hashlimit for %s: %w", tenantID, err)
	}
	if hashlimit > d.cap {
		hashlimit = d.cap
	}
	return hashlimit, nil
}

// Tenants lists every tenant with at least one list, for periodic sweeps.
func (d *Directory) Tenants(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT DISTINCT cid FROM lists ORDER BY cid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Reshard raises the tenant's hashlimit to the ceiling and reorganizes the
// partition index of all seven relation families. Serialized per tenant by
// a blocking transaction-scoped advisory lock; a no-op when the stored
// value already meets the target. Deadlock aborts are logged and swallowed
// so the periodic sweep can retry later; other errors propagate.
func (d *Directory) Reshard(ctx context.Context, tenantID string) error {
	if !ValidID(tenantID) {
		return ErrBadTenantID
	}
	err := d.reshard(ctx, tenantID)
	if err != nil && pgutil.IsDeadlock(err) {
		logger.Warn("reshard aborted by deadlock, will retry on next sweep", "tenant", tenantID, "error", err.Error())
		return nil
	}
	return err
}

func (d *Directory) reshard(ctx context.Context, tenantID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reshard begin: %w", err)
	}
	defer tx.Rollback()

	if err := distlock.XactLock(ctx, tx, "reshard:"+tenantID); err != nil {
		return fmt.Errorf("reshard lock: %w", err)
	}

	rel := Relations{Tenant: tenantID}
	desired := d.cap

	var size int64
	sizeExpr := ""
	for i, name := range rel.All() {
		if i > 0 {
			sizeExpr += " + "
		}
		sizeExpr += fmt.Sprintf("pg_relation_size('%s')", name)
	}
	if err := tx.QueryRowContext(ctx, "SELECT "+sizeExpr).Scan(&size); err != nil {
		return fmt.Errorf("reshard size: %w", err)
	}

	var stored sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT hashlimit FROM contacts.contacts_hashlimit WHERE cid = $1`,
		tenantID).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reshard lookup: %w", err)
	}
	if stored.Valid && int(stored.Int64) >= desired {
		return tx.Commit()
	}

	logger.Info("raising partition count, reindexing",
		"tenant", tenantID, "size_bytes", size, "from", stored.Int64, "to", desired)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO contacts.contacts_hashlimit (cid, hashlimit) VALUES ($1, $2)
		 ON CONFLICT (cid) DO UPDATE SET hashlimit = excluded.hashlimit`,
		tenantID, desired); err != nil {
		return fmt.Errorf("reshard record: %w", err)
	}

	// Reindexing can run long on big tenants.
	if _, err := tx.ExecContext(ctx, `SET lock_timeout = '1000000s'; SET statement_timeout = '1000000s'`); err != nil {
		return fmt.Errorf("reshard timeouts: %w", err)
	}

	for i, family := range families {
		name := rel.All()[i]
		idx := rel.hashIndex(family)
		stmts := []string{
			fmt.Sprintf(`DROP INDEX IF EXISTS contacts.%s`, oldIndex(family, tenantID)),
			fmt.Sprintf(`ALTER INDEX IF EXISTS contacts.%s RENAME TO %s`, idx, oldIndex(family, tenantID)),
			fmt.Sprintf(`CREATE INDEX %s ON %s ((mod(contact_id, %d)))`, idx, name, desired),
			fmt.Sprintf(`CLUSTER %s USING %s`, name, idx),
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("reshard %s: %w", family, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reshard commit: %w", err)
	}
	logger.Info("reshard complete", "tenant", tenantID, "hashlimit", desired)
	return nil
}

func oldIndex(family, tenantID string) string {
	return fmt.Sprintf(`"%s_%s_hash_idx_old"`, family, tenantID)
}
