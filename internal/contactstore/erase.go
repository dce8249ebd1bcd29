package contactstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Erase destroys contacts entirely: memberships, values, and logs go with
// the parent row, and every aggregate the contacts counted toward is
// decremented. With dropUnsubLog the suppression history is removed too,
// so the address can come back clean.
func (s *Store) Erase(ctx context.Context, emails []string, dropUnsubLog bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	listEmails := make(map[string][]string)
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		select l.list_id, array_agg(c.email)
		from %s l
		join %s c on c.contact_id = l.contact_id
		where c.email = any($1)
		group by l.list_id`, s.rel.Lists(), s.rel.Contacts()),
		pq.Array(emails))
	if err != nil {
		return err
	}
	for rows.Next() {
		var listID string
		var members pq.StringArray
		if err := rows.Scan(&listID, &members); err != nil {
			rows.Close()
			return err
		}
		listEmails[listID] = members
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	emailStats := make(map[string][4]bool)
	rows, err = tx.QueryContext(ctx, fmt.Sprintf(
		`select email, %s, %s, %s, %s from %s where email = any($1)`,
		statusExpr("Bounced"), statusExpr("Unsubscribed"), statusExpr("Complained"), statusExpr("Soft Bounced"),
		s.rel.Contacts()),
		pq.Array(emails))
	if err != nil {
		return err
	}
	for rows.Next() {
		var email string
		var b, u, c, sb bool
		if err := rows.Scan(&email, &b, &u, &c, &sb); err != nil {
			rows.Close()
			return err
		}
		emailStats[email] = [4]bool{b, u, c, sb}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	tagCounts, err := s.tagCountsFor(ctx, tx, fmt.Sprintf(`
		select value, count(*)
		from %s v
		join %s c on v.contact_id = c.contact_id
		where type = 'tag' and c.email = any($1)
		group by value`, s.rel.Values(), s.rel.Contacts()),
		pq.Array(emails))
	if err != nil {
		return err
	}
	if err := s.decTagCounts(ctx, tx, tagCounts); err != nil {
		return err
	}

	for listID, members := range listEmails {
		domainCounts := make(map[string]int64)
		var stats StatusCounts
		for _, email := range members {
			domainCounts[domainOf(email)]++
			flags := emailStats[email]
			if flags[0] {
				stats.Bounced++
			}
			if flags[1] {
				stats.Unsubscribed++
			}
			if flags[2] {
				stats.Complained++
			}
			if flags[3] {
				stats.SoftBounced++
			}
		}
		if err := s.decListDomains(ctx, tx, listID, domainCounts); err != nil {
			return err
		}
		if err := s.PatchListStats(ctx, tx, listID, -int64(len(members)), stats.Neg(), nil); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`delete from %s where email = any($1)`, s.rel.Contacts()),
		pq.Array(emails))
	if err != nil {
		return err
	}

	if dropUnsubLog {
		_, err = tx.ExecContext(ctx,
			`delete from unsublogs where cid = $1 and email = any($2)`,
			s.rel.Tenant, pq.Array(emails))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RemoveListContacts drops list memberships for a set of addresses and
// returns how many were removed. Contacts are destroyed only once no list
// or suppression list refers to them; tag counts for those contacts go
// with them.
func (s *Store) RemoveListContacts(ctx context.Context, listID string, emails []string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	domainCounts := make(map[string]int64)
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		select split_part(c.email, '@', 2) as domain, count(c.contact_id) as count
		from %s c
		join %s l on c.contact_id = l.contact_id
		where l.list_id = $1
		and c.email = any($2)
		group by split_part(c.email, '@', 2)`, s.rel.Contacts(), s.rel.Lists()),
		listID, pq.Array(emails))
	if err != nil {
		return 0, err
	}
	for rows.Next() {
		var domain string
		var n int64
		if err := rows.Scan(&domain, &n); err != nil {
			rows.Close()
			return 0, err
		}
		domainCounts[domain] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var stats StatusCounts
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		select count(c.contact_id) filter (where %s),
		       count(c.contact_id) filter (where %s),
		       count(c.contact_id) filter (where %s),
		       count(c.contact_id) filter (where %s)
		from %s l
		join %s c on l.contact_id = c.contact_id
		where l.list_id = $1
		and c.email = any($2)`,
		statusExpr("Bounced"), statusExpr("Unsubscribed"), statusExpr("Complained"), statusExpr("Soft Bounced"),
		s.rel.Lists(), s.rel.Contacts()),
		listID, pq.Array(emails)).Scan(&stats.Bounced, &stats.Unsubscribed, &stats.Complained, &stats.SoftBounced)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		delete from %s l
		using %s c
		where l.contact_id = c.contact_id
		and l.list_id = $1
		and c.email = any($2)`, s.rel.Lists(), s.rel.Contacts()),
		listID, pq.Array(emails))
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	// tag counts only drop for contacts about to be destroyed, which is
	// exactly the set with no remaining membership edge of either kind
	tagCounts, err := s.tagCountsFor(ctx, tx, fmt.Sprintf(`
		select value, count(*)
		from %s v
		join %s c on v.contact_id = c.contact_id
		where type = 'tag' and c.email = any($1)
		and not exists (
			select true from %s l where l.contact_id = c.contact_id
		)
		and not exists (
			select true from %s l where l.contact_id = c.contact_id
		)
		group by value`, s.rel.Values(), s.rel.Contacts(), s.rel.Lists(), s.rel.SuppLists()),
		pq.Array(emails))
	if err != nil {
		return 0, err
	}
	if err := s.decTagCounts(ctx, tx, tagCounts); err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		delete from %s c
		where c.email = any($1)
		and not exists (
			select true from %s l where l.contact_id = c.contact_id
		)
		and not exists (
			select true from %s l where l.contact_id = c.contact_id
		)`, s.rel.Contacts(), s.rel.Lists(), s.rel.SuppLists()),
		pq.Array(emails))
	if err != nil {
		return 0, err
	}

	if err := s.decListDomains(ctx, tx, listID, domainCounts); err != nil {
		return 0, err
	}
	if err := s.PatchListStats(ctx, tx, listID, -removed, stats.Neg(), nil); err != nil {
		return 0, err
	}

	return removed, tx.Commit()
}

// tagCountsFor runs a (value, count) query and folds it into a map.
func (s *Store) tagCountsFor(ctx context.Context, q querier, query string, args ...interface{}) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var tag string
		var n int64
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, err
		}
		counts[tag] = n
	}
	return counts, rows.Err()
}

func (s *Store) decTagCounts(ctx context.Context, q querier, counts map[string]int64) error {
	neg := make(map[string]int64, len(counts))
	for tag, n := range counts {
		neg[tag] = -n
	}
	return s.applyTagCounts(ctx, q, neg)
}

// domainMatchExpr builds the OR chain matching addresses on any of the
// given domains, with placeholders starting at argument position start.
func domainMatchExpr(start, n int) string {
	terms := make([]string, n)
	for i := 0; i < n; i++ {
		terms[i] = fmt.Sprintf(`c.email like ('%%@' || $%d)`, start+i)
	}
	return strings.Join(terms, " or ")
}

func lowerAll(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// EraseDomainsResult is one partition's share of a domain erase: the
// lists that lost members and their status tallies.
type EraseDomainsResult struct {
	ListIDs   []string                `json:"listids"`
	ListStats map[string]StatusCounts `json:"liststats"`
}

// EraseDomainsPartition destroys all contacts of one partition whose
// address falls under any of the given domains and reports which lists
// were touched. Histogram and list aggregate cleanup happens once in
// EraseDomainsFinalize when every partition has reported.
func (s *Store) EraseDomainsPartition(ctx context.Context, partition, hashlimit int, domains []string) (EraseDomainsResult, error) {
	res := EraseDomainsResult{ListStats: make(map[string]StatusCounts)}
	if len(domains) == 0 {
		return res, nil
	}

	match := domainMatchExpr(3, len(domains))
	args := append([]interface{}{hashlimit, partition}, lowerAll(domains)...)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select distinct l.list_id
		from %s l
		join %s c on l.contact_id = c.contact_id
		where ($1 = 1 or mod(c.contact_id, $1) = $2)
		and (%s)`, s.rel.Lists(), s.rel.Contacts(), match),
		args...)
	if err != nil {
		return res, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return res, err
		}
		res.ListIDs = append(res.ListIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, err
	}

	rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
		select l.list_id,
		       count(c.contact_id) filter (where %s),
		       count(c.contact_id) filter (where %s),
		       count(c.contact_id) filter (where %s),
		       count(c.contact_id) filter (where %s)
		from %s l
		join %s c on l.contact_id = c.contact_id
		where ($1 = 1 or mod(c.contact_id, $1) = $2)
		and (%s)
		group by l.list_id`,
		statusExpr("Bounced"), statusExpr("Unsubscribed"), statusExpr("Complained"), statusExpr("Soft Bounced"),
		s.rel.Lists(), s.rel.Contacts(), match),
		args...)
	if err != nil {
		return res, err
	}
	for rows.Next() {
		var id string
		var stats StatusCounts
		if err := rows.Scan(&id, &stats.Bounced, &stats.Unsubscribed, &stats.Complained, &stats.SoftBounced); err != nil {
			rows.Close()
			return res, err
		}
		res.ListStats[id] = stats
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, err
	}

	tagCounts, err := s.tagCountsFor(ctx, s.db, fmt.Sprintf(`
		select value, count(*)
		from %s v
		join %s c on v.contact_id = c.contact_id
		where type = 'tag' and ($1 = 1 or mod(c.contact_id, $1) = $2)
		and (%s)
		group by value`, s.rel.Values(), s.rel.Contacts(), match),
		args...)
	if err != nil {
		return res, err
	}
	if err := s.decTagCounts(ctx, s.db, tagCounts); err != nil {
		return res, err
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		delete from %s c
		where ($1 = 1 or mod(c.contact_id, $1) = $2)
		and (%s)`, s.rel.Contacts(), match),
		args...)
	return res, err
}

// EraseDomainsFinalize folds the partial results of every partition into
// list_domains and the per-list aggregates. Runs once, on whichever
// partition completed the gather.
func (s *Store) EraseDomainsFinalize(ctx context.Context, domains []string, partials []EraseDomainsResult) error {
	listSet := make(map[string]struct{})
	allStats := make(map[string]StatusCounts)
	for _, p := range partials {
		for _, id := range p.ListIDs {
			listSet[id] = struct{}{}
		}
		for id, stats := range p.ListStats {
			combined := allStats[id]
			combined.Add(stats)
			allStats[id] = combined
		}
	}
	listIDs := make([]string, 0, len(listSet))
	for id := range listSet {
		listIDs = append(listIDs, id)
	}

	lowered := make([]string, len(domains))
	for i, d := range domains {
		lowered[i] = strings.ToLower(d)
	}

	listCounts := make(map[string]int64)
	rows, err := s.db.QueryContext(ctx, `
		select list_id, sum(count) from list_domains
		where list_id = any($1) and domain = any($2)
		group by list_id`,
		pq.Array(listIDs), pq.Array(lowered))
	if err != nil {
		return err
	}
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			rows.Close()
			return err
		}
		listCounts[id] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`delete from list_domains where domain = any($1) and list_id = any($2)`,
		pq.Array(lowered), pq.Array(listIDs))
	if err != nil {
		return err
	}

	for id, n := range listCounts {
		if err := s.PatchListStats(ctx, s.db, id, -n, allStats[id].Neg(), nil); err != nil {
			return err
		}
	}
	return nil
}

// RemoveListDomainsPartition drops one partition's memberships of a list
// for addresses under the given domains, destroying contacts left with no
// membership of either kind. Returns the status tallies of the removed
// memberships for the finalize step.
func (s *Store) RemoveListDomainsPartition(ctx context.Context, partition, hashlimit int, listID string, domains []string) (StatusCounts, error) {
	var stats StatusCounts
	if len(domains) == 0 {
		return stats, nil
	}

	match := domainMatchExpr(4, len(domains))
	args := append([]interface{}{hashlimit, partition, listID}, lowerAll(domains)...)

	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		select count(c.contact_id) filter (where %s),
		       count(c.contact_id) filter (where %s),
		       count(c.contact_id) filter (where %s),
		       count(c.contact_id) filter (where %s)
		from %s l
		join %s c on l.contact_id = c.contact_id
		where ($1 = 1 or mod(c.contact_id, $1) = $2)
		and c.contact_id = l.contact_id
		and l.list_id = $3
		and (%s)`,
		statusExpr("Bounced"), statusExpr("Unsubscribed"), statusExpr("Complained"), statusExpr("Soft Bounced"),
		s.rel.Lists(), s.rel.Contacts(), match),
		args...).Scan(&stats.Bounced, &stats.Unsubscribed, &stats.Complained, &stats.SoftBounced)
	if err != nil {
		return stats, err
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		delete from %s l
		using %s c
		where ($1 = 1 or mod(c.contact_id, $1) = $2)
		and c.contact_id = l.contact_id
		and l.list_id = $3
		and (%s)`, s.rel.Lists(), s.rel.Contacts(), match),
		args...)
	if err != nil {
		return stats, err
	}

	tagCounts, err := s.tagCountsFor(ctx, s.db, fmt.Sprintf(`
		select value, count(*)
		from %s v
		join %s c on v.contact_id = c.contact_id
		where type = 'tag' and ($1 = 1 or mod(c.contact_id, $1) = $2)
		and not exists (
			select true from %s l where l.contact_id = c.contact_id
		)
		and not exists (
			select true from %s l where l.contact_id = c.contact_id
		)
		group by value`, s.rel.Values(), s.rel.Contacts(), s.rel.Lists(), s.rel.SuppLists()),
		hashlimit, partition)
	if err != nil {
		return stats, err
	}
	if err := s.decTagCounts(ctx, s.db, tagCounts); err != nil {
		return stats, err
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		delete from %s c
		where ($1 = 1 or mod(c.contact_id, $1) = $2)
		and not exists (
			select true from %s l where l.contact_id = c.contact_id
		)
		and not exists (
			select true from %s l where l.contact_id = c.contact_id
		)`, s.rel.Contacts(), s.rel.Lists(), s.rel.SuppLists()),
		hashlimit, partition)
	return stats, err
}

// RemoveListDomainsFinalize sums the per-partition tallies, clears the
// affected list_domains rows, and patches the list aggregate once.
func (s *Store) RemoveListDomainsFinalize(ctx context.Context, listID string, domains []string, partials []StatusCounts) error {
	var stats StatusCounts
	for _, p := range partials {
		stats.Add(p)
	}

	lowered := make([]string, len(domains))
	for i, d := range domains {
		lowered[i] = strings.ToLower(d)
	}

	var count sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`select sum(count) from list_domains where list_id = $1 and domain = any($2)`,
		listID, pq.Array(lowered)).Scan(&count)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`delete from list_domains where list_id = $1 and domain = any($2)`,
		listID, pq.Array(lowered))
	if err != nil {
		return err
	}

	return s.PatchListStats(ctx, s.db, listID, -count.Int64, stats.Neg(), nil)
}
