package contactstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ImportRow is one deduplicated row of an import block.
type ImportRow struct {
	Email string              `json:"email"`
	Props map[string][]string `json:"props"`
}

func (k ListKind) memberTable(rel interface{ Lists() string; SuppLists() string }) string {
	if k == KindSupp {
		return rel.SuppLists()
	}
	return rel.Lists()
}

func (k ListKind) memberColumn() string {
	if k == KindSupp {
		return "supplist_id"
	}
	return "list_id"
}

// ImportRows writes one import block in a single transaction: contacts are
// upserted with their properties merged, memberships inserted if absent,
// and suppression history reconciled per the feed options. Returns the
// number of new memberships, the per-domain histogram of those, and the
// status tallies the caller folds into the list aggregate at finalize.
// Safe to retry on deadlock; every statement is idempotent.
func (s *Store) ImportRows(ctx context.Context, kind ListKind, listID string, rows []ImportRow, opts FeedOptions) (int64, map[string]int64, StatusCounts, error) {
	domainCounts := make(map[string]int64)
	var count int64
	var stats StatusCounts
	if len(rows) == 0 {
		return 0, domainCounts, stats, nil
	}

	memberTable := kind.memberTable(s.rel)
	memberColumn := kind.memberColumn()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, stats, err
	}
	defer tx.Rollback()

	emails := make([]string, 0, len(rows))
	for _, r := range rows {
		emails = append(emails, r.Email)
	}

	// suppression history only applies to real lists; suppression lists
	// take the rows as given
	unsubFlags := make(map[string][3]bool)
	if kind == KindList {
		res, err := tx.QueryContext(ctx, `
			select email, bounced, unsubscribed, complained
			from unsublogs
			where cid = $1 and email = any($2)`,
			s.rel.Tenant, pq.Array(emails))
		if err != nil {
			return 0, nil, stats, err
		}
		for res.Next() {
			var email string
			var b, u, c bool
			if err := res.Scan(&email, &b, &u, &c); err != nil {
				res.Close()
				return 0, nil, stats, err
			}
			unsubFlags[email] = [3]bool{b, u, c}
		}
		res.Close()
		if err := res.Err(); err != nil {
			return 0, nil, stats, err
		}
	}

	now := time.Now().Unix()
	valueExprs := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*3+1)
	for _, r := range rows {
		props := r.Props
		if props == nil {
			props = map[string][]string{}
		}
		if opts.Override {
			props["Bounced"] = []string{""}
			props["Unsubscribed"] = []string{""}
			props["Complained"] = []string{""}
		} else if flags, ok := unsubFlags[r.Email]; ok {
			if flags[0] {
				props["Bounced"] = []string{"true"}
			}
			if flags[1] {
				props["Unsubscribed"] = []string{"true"}
			}
			if flags[2] {
				props["Complained"] = []string{"true"}
			}
		}
		propsJSON, err := json.Marshal(props)
		if err != nil {
			return 0, nil, stats, err
		}
		n := len(args)
		valueExprs = append(valueExprs, fmt.Sprintf("($%d, $%d, $%d)", n+1, n+2, n+3))
		args = append(args, r.Email, now, propsJSON)
	}
	args = append(args, listID)

	// status deltas are measured before the upsert so already-member
	// contacts do not double count
	switch {
	case opts.Override:
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			select -count(distinct c.contact_id) filter (where %s),
			       -count(distinct c.contact_id) filter (where %s),
			       -count(distinct c.contact_id) filter (where %s),
			       0
			from %s c
			join %s l on l.contact_id = c.contact_id and l.%s = $1
			where c.email = any($2)`,
			statusExpr("Bounced"), statusExpr("Unsubscribed"), statusExpr("Complained"),
			s.rel.Contacts(), memberTable, memberColumn),
			listID, pq.Array(emails)).Scan(&stats.Bounced, &stats.Unsubscribed, &stats.Complained, &stats.SoftBounced)
		if err != nil {
			return 0, nil, stats, err
		}
	case opts.Unsubscribe:
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			select coalesce(sum(bounced), 0), coalesce(sum(unsubscribed), 0), coalesce(sum(complained), 0), coalesce(sum(soft_bounced), 0)
			from (
				select count(distinct c.contact_id) filter (where %[1]s) as bounced,
				       count(distinct c.contact_id) as unsubscribed,
				       count(distinct c.contact_id) filter (where %[2]s) as complained,
				       count(distinct c.contact_id) filter (where %[3]s) as soft_bounced
				from %[4]s c
				left join %[5]s l on l.contact_id = c.contact_id
				where email = any($1)
				and (l.contact_id is null or l.%[6]s != $2)
				union all
				select count(email) filter (where bounced) as bounced,
				       0 as unsubscribed,
				       count(email) filter (where complained) as complained,
				       0 as soft_bounced
				from unsublogs
				where cid = $3 and email = any($1)
			) s`,
			statusExpr("Bounced"), statusExpr("Complained"), statusExpr("Soft Bounced"),
			s.rel.Contacts(), memberTable, memberColumn),
			pq.Array(emails), listID, s.rel.Tenant).Scan(&stats.Bounced, &stats.Unsubscribed, &stats.Complained, &stats.SoftBounced)
		if err != nil {
			return 0, nil, stats, err
		}

		var existing int64
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			select count(c.contact_id)
			from %s c
			join %s l on l.contact_id = c.contact_id and l.%s = $1
			where email = any($2)`,
			s.rel.Contacts(), memberTable, memberColumn),
			listID, pq.Array(emails)).Scan(&existing)
		if err != nil {
			return 0, nil, stats, err
		}
		stats.Unsubscribed += existing
	default:
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			select coalesce(sum(bounced), 0), coalesce(sum(unsubscribed), 0), coalesce(sum(complained), 0), coalesce(sum(soft_bounced), 0)
			from (
				select count(distinct c.contact_id) filter (where %[1]s) as bounced,
				       count(distinct c.contact_id) filter (where %[2]s) as unsubscribed,
				       count(distinct c.contact_id) filter (where %[3]s) as complained,
				       count(distinct c.contact_id) filter (where %[4]s) as soft_bounced
				from %[5]s c
				left join %[6]s l on l.contact_id = c.contact_id
				where email = any($1)
				and (l.%[7]s is null or l.%[7]s != $2)
				union all
				select count(email) filter (where bounced) as bounced,
				       count(email) filter (where unsubscribed) as unsubscribed,
				       count(email) filter (where complained) as complained,
				       0 as soft_bounced
				from unsublogs
				where cid = $3 and email = any($1)
			) s`,
			statusExpr("Bounced"), statusExpr("Unsubscribed"), statusExpr("Complained"), statusExpr("Soft Bounced"),
			s.rel.Contacts(), memberTable, memberColumn),
			pq.Array(emails), listID, s.rel.Tenant).Scan(&stats.Bounced, &stats.Unsubscribed, &stats.Complained, &stats.SoftBounced)
		if err != nil {
			return 0, nil, stats, err
		}
	}

	res, err := tx.QueryContext(ctx, fmt.Sprintf(`
		with c as (
			insert into %[1]s (email, added, props) values
			%[2]s
			on conflict (email) do update set props = %[1]s.props || excluded.props
			returning contact_id, email
		), l as (
			insert into %[3]s (contact_id, %[4]s)
			select c.contact_id, $%[5]d
			from c
			on conflict (contact_id, %[4]s) do nothing
			returning contact_id
		)
		select split_part(c.email, '@', 2) as domain, count(c.contact_id) as count
		from c
		join l on c.contact_id = l.contact_id
		group by split_part(c.email, '@', 2)`,
		s.rel.Contacts(), strings.Join(valueExprs, ",\n\t\t\t"), memberTable, memberColumn, len(args)),
		args...)
	if err != nil {
		return 0, nil, stats, err
	}
	for res.Next() {
		var domain string
		var n int64
		if err := res.Scan(&domain, &n); err != nil {
			res.Close()
			return 0, nil, stats, err
		}
		domainCounts[domain] = n
		count += n
	}
	res.Close()
	if err := res.Err(); err != nil {
		return 0, nil, stats, err
	}

	if opts.Override {
		_, err = tx.ExecContext(ctx,
			`delete from unsublogs where cid = $1 and email = any($2)`,
			s.rel.Tenant, pq.Array(emails))
		if err != nil {
			return 0, nil, stats, err
		}
	}

	return count, domainCounts, stats, tx.Commit()
}
