package contactstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// ActiveCounts is one list's recomputed activity-window and status
// tallies.
type ActiveCounts struct {
	Active30     int64 `json:"active30"`
	Active60     int64 `json:"active60"`
	Active90     int64 `json:"active90"`
	Bounced      int64 `json:"bounced"`
	Unsubscribed int64 `json:"unsubscribed"`
	Complained   int64 `json:"complained"`
	SoftBounced  int64 `json:"soft_bounced"`
}

// Add accumulates another partition's tallies.
func (a *ActiveCounts) Add(o ActiveCounts) {
	a.Active30 += o.Active30
	a.Active60 += o.Active60
	a.Active90 += o.Active90
	a.Bounced += o.Bounced
	a.Unsubscribed += o.Unsubscribed
	a.Complained += o.Complained
	a.SoftBounced += o.SoftBounced
}

// ActiveCountsPartition recomputes per-list activity windows and status
// counts from one partition's logs. now is the reference unix timestamp;
// passing it in keeps every partition of a sweep on the same clock.
func (s *Store) ActiveCountsPartition(ctx context.Context, partition, hashlimit int, now int64) (map[string]ActiveCounts, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		with stats as (
			select contact_id, %s as bounced, %s as unsubscribed, %s as complained, %s as soft_bounced
			from %s
			where ($1 = 1 or mod(contact_id, $1) = $2)
		), max_open as (
			select contact_id, max(ts) as ts
			from %s
			where ($1 = 1 or mod(contact_id, $1) = $2)
			group by contact_id
		), max_click as (
			select contact_id, max(ts) as ts
			from %s
			where ($1 = 1 or mod(contact_id, $1) = $2)
			group by contact_id
		), by_list as (
			select l.list_id, l.contact_id, greatest(op.ts, cl.ts) as ts, s.bounced, s.unsubscribed, s.complained, s.soft_bounced
			from %s l
			join lists li on li.id = l.list_id
			join stats s on s.contact_id = l.contact_id
			left join max_open op on op.contact_id = l.contact_id
			left join max_click cl on cl.contact_id = l.contact_id
		)
		select list_id,
			count(contact_id) filter (where ($3 - ts)/$4 < 31) as active30,
			count(contact_id) filter (where ($3 - ts)/$4 < 61) as active60,
			count(contact_id) filter (where ($3 - ts)/$4 < 91) as active90,
			count(contact_id) filter (where bounced) as bounced,
			count(contact_id) filter (where unsubscribed) as unsubscribed,
			count(contact_id) filter (where complained) as complained,
			count(contact_id) filter (where soft_bounced) as soft_bounced
		from by_list
		group by list_id`,
		statusExpr("Bounced"), statusExpr("Unsubscribed"), statusExpr("Complained"), statusExpr("Soft Bounced"),
		s.rel.Contacts(), s.rel.OpenLogs(), s.rel.ClickLogs(), s.rel.Lists()),
		hashlimit, partition, now, int64(secsInDay))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]ActiveCounts)
	for rows.Next() {
		var listID string
		var c ActiveCounts
		err := rows.Scan(&listID, &c.Active30, &c.Active60, &c.Active90,
			&c.Bounced, &c.Unsubscribed, &c.Complained, &c.SoftBounced)
		if err != nil {
			return nil, err
		}
		counts[listID] = c
	}
	return counts, rows.Err()
}

// PatchActiveCounts overwrites the cached activity and status counters of
// each list with freshly computed totals.
func (s *Store) PatchActiveCounts(ctx context.Context, counts map[string]ActiveCounts) error {
	for listID, c := range counts {
		patch, err := json.Marshal(c)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx,
			`update lists set data = data || $1 where id = $2`, patch, listID)
		if err != nil {
			return err
		}
	}
	return nil
}
