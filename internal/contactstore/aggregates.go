package contactstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PatchListStats folds a membership count delta, status tallies, and newly
// used property names into a list's aggregate document. It also refreshes
// last_update, marks the cached count dirty, and recomputes the domain
// cardinality from list_domains, so callers adjust list_domains first.
func (s *Store) PatchListStats(ctx context.Context, q querier, listID string, count int64, stats StatusCounts, props []string) error {
	patch, err := json.Marshal(map[string]interface{}{
		"last_update": nowStamp(),
		"count_dirty": true,
	})
	if err != nil {
		return err
	}
	if props == nil {
		props = []string{}
	}

	_, err = q.ExecContext(ctx, `
		update lists set data = data
		|| jsonb_build_object('used_properties',
			case when jsonb_array_length(coalesce(data->'used_properties', '[]'::jsonb)) = 0 and $1 = 0 then
				'["Email"]'::jsonb
			else
				(select '["Email"]'::jsonb || (jsonb_agg(distinct p) - 'Email')
				from jsonb_array_elements(coalesce(data->'used_properties', '[]'::jsonb) || array_to_json($2::text[])::jsonb) as p)
			end,
			'count', coalesce((data->>'count')::int, 0) + $3::int,
			'bounced', coalesce((data->>'bounced')::int, 0) + $4::int,
			'unsubscribed', coalesce((data->>'unsubscribed')::int, 0) + $5::int,
			'complained', coalesce((data->>'complained')::int, 0) + $6::int,
			'soft_bounced', coalesce((data->>'soft_bounced')::int, 0) + $7::int,
			'domaincount', (
				select count(domain) from list_domains where list_id = lists.id
			))
		|| $8
		where id = $9`,
		len(props), pq.Array(props), count,
		stats.Bounced, stats.Unsubscribed, stats.Complained, stats.SoftBounced,
		patch, listID)
	return err
}

// BumpListDomains increments the per-domain membership histogram of a list.
func (s *Store) BumpListDomains(ctx context.Context, q querier, listID string, counts map[string]int64) error {
	for domain, n := range counts {
		_, err := q.ExecContext(ctx, `
			insert into list_domains (list_id, domain, count) values ($1, $2, $3)
			on conflict (list_id, domain) do update set count = list_domains.count + excluded.count`,
			listID, domain, n)
		if err != nil {
			return err
		}
	}
	return nil
}

// decListDomains subtracts from the histogram and prunes rows that reach
// zero.
func (s *Store) decListDomains(ctx context.Context, q querier, listID string, counts map[string]int64) error {
	for domain, n := range counts {
		_, err := q.ExecContext(ctx,
			`update list_domains set count = count - $1 where domain = $2 and list_id = $3`,
			n, domain, listID)
		if err != nil {
			return err
		}
	}
	_, err := q.ExecContext(ctx,
		`delete from list_domains where list_id = $1 and count <= 0`, listID)
	return err
}

// applyTagCounts folds per-tag deltas into the tenant-global tag
// directory and prunes tags whose count reaches zero. Positive deltas
// assume the tag row already exists (EnsureTag creates it).
func (s *Store) applyTagCounts(ctx context.Context, q querier, counts map[string]int64) error {
	negative := false
	for tag, n := range counts {
		if n == 0 {
			continue
		}
		if n < 0 {
			negative = true
		}
		_, err := q.ExecContext(ctx,
			`update alltags set count = count + $1 where cid = $2 and tag = $3`,
			n, s.rel.Tenant, tag)
		if err != nil {
			return err
		}
	}
	if negative {
		_, err := q.ExecContext(ctx,
			`delete from alltags where count <= 0 and cid = $1`, s.rel.Tenant)
		return err
	}
	return nil
}

// EnsureTag registers a tag in the tenant's tag directory with a zero
// count so later count deltas have a row to land on.
func (s *Store) EnsureTag(ctx context.Context, tag string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into alltags (cid, tag, count) values ($1, $2, 0)
		on conflict (cid, tag) do nothing`, s.rel.Tenant, tag)
	return err
}

// ListKind distinguishes the two membership targets an import can feed.
type ListKind string

const (
	KindList ListKind = "list"
	KindSupp ListKind = "supp"
)

func (k ListKind) table() string {
	if k == KindSupp {
		return "supplists"
	}
	return "lists"
}

// SetProcessing patches the processing / processing_error fields of a list
// or suppression list document. Empty strings clear both flags.
func (s *Store) SetProcessing(ctx context.Context, kind ListKind, listID, processing, processingError string) error {
	patch, err := json.Marshal(map[string]string{
		"processing":       processing,
		"processing_error": processingError,
	})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`update %s set data = data || $1 where id = $2`, kind.table()),
		patch, listID)
	return err
}

// BumpSuppCount adds to a suppression list's cached member count and
// clears its processing flags.
func (s *Store) BumpSuppCount(ctx context.Context, supplistID string, count int64) error {
	patch, err := json.Marshal(map[string]interface{}{
		"processing":       "",
		"processing_error": "",
		"last_update":      nowStamp(),
	})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		update supplists set data = data ||
			jsonb_build_object('count', coalesce((data->>'count')::int, 0) + $1) || $2
			where id = $3`,
		count, patch, supplistID)
	return err
}

// Excluded reports whether an address or its domain is on the tenant's
// exclusion list.
func (s *Store) Excluded(ctx context.Context, email string) (bool, error) {
	var t bool
	err := s.db.QueryRowContext(ctx,
		`select true from exclusions where cid = $1 and item in ($2, $3)`,
		s.rel.Tenant, email, domainOf(email)).Scan(&t)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return t, err
}

// Exclusions returns the tenant's excluded addresses and domains as two
// sets. Rows without a raw hash are domain entries.
func (s *Store) Exclusions(ctx context.Context) (emails, domains map[string]struct{}, err error) {
	rows, err := s.db.QueryContext(ctx,
		`select item, rawhash from exclusions where cid = $1`, s.rel.Tenant)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	emails = make(map[string]struct{})
	domains = make(map[string]struct{})
	for rows.Next() {
		var item string
		var rawhash sql.NullString
		if err := rows.Scan(&item, &rawhash); err != nil {
			return nil, nil, err
		}
		if rawhash.Valid {
			emails[item] = struct{}{}
		} else {
			domains[item] = struct{}{}
		}
	}
	return emails, domains, rows.Err()
}
