package contactstore

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/audience-engine/internal/segment"
)

// SegmentRows loads one partition's evaluation rows for the given lists:
// the property document plus membership, tag/attribute sets, and the open
// and click logs, each log ordered by timestamp. rowSubset, when non-nil,
// restricts to those addresses. Rows come back ordered by the stable
// address hash so subset sampling is reproducible across calls.
func (s *Store) SegmentRows(ctx context.Context, partition int, listIDs []string, hashlimit int, rowSubset []string) ([]*segment.Row, error) {
	subsetExpr := ""
	args := []interface{}{pq.Array(listIDs), hashlimit, partition}
	if rowSubset != nil {
		subsetExpr = "and c.email = any($4)"
		args = append(args, pq.Array(rowSubset))
	}

	query := fmt.Sprintf(`
		with vals as (
			select
				c.contact_id,
				array_agg(distinct value) filter (where type = 'tag') as tags,
				array_agg(distinct value::int) filter (where type = 'device') as device,
				array_agg(distinct value::int) filter (where type = 'os') as os,
				array_agg(distinct value::int) filter (where type = 'browser') as browser,
				array_agg(distinct value) filter (where type = 'country') as country,
				array_agg(distinct value) filter (where type = 'region') as region,
				array_agg(distinct value) filter (where type = 'zip') as zip
			from %[1]s c
			join %[2]s l on l.contact_id = c.contact_id
			where l.list_id = any($1)
			and ($2 = 1 or mod(c.contact_id, $2) = $3)
			group by c.contact_id
		),
		open_logs as (
			select c.contact_id, jsonb_agg(jsonb_build_object('ts', ts, 'campid', campid) order by ts) filter (where campid is not null) as open_logs
			from %[3]s c
			join %[2]s l on l.contact_id = c.contact_id
			where l.list_id = any($1)
			and ($2 = 1 or mod(c.contact_id, $2) = $3)
			group by c.contact_id
		),
		click_logs as (
			select c.contact_id, jsonb_agg(jsonb_build_object('ts', ts, 'campid', campid, 'linkindex', linkindex, 'updatedts', updatedts) order by ts) filter (where campid is not null) as click_logs
			from %[4]s c
			join %[2]s l on l.contact_id = c.contact_id
			where l.list_id = any($1)
			and ($2 = 1 or mod(c.contact_id, $2) = $3)
			group by c.contact_id
		)
		select c.email, c.added,
			row_number() over (order by c.added, c.email) - 1,
			c.props,
			array_agg(distinct l.list_id),
			coalesce(op.open_logs, '[]'),
			coalesce(cl.click_logs, '[]'),
			coalesce(v.tags, '{}'),
			coalesce(v.device, '{}'),
			coalesce(v.os, '{}'),
			coalesce(v.browser, '{}'),
			coalesce(v.country, '{}'),
			coalesce(v.region, '{}'),
			coalesce(v.zip, '{}')
		from %[5]s c
		join %[2]s l on l.contact_id = c.contact_id
		left join vals v on v.contact_id = c.contact_id
		left join open_logs op on op.contact_id = c.contact_id
		left join click_logs cl on cl.contact_id = c.contact_id
		where l.list_id = any($1)
		and ($2 = 1 or mod(c.contact_id, $2) = $3)
		%[6]s
		group by c.email, c.added, c.props, op.open_logs, cl.click_logs, v.tags, v.device, v.os, v.browser, v.country, v.region, v.zip`,
		s.rel.Values(), s.rel.Lists(), s.rel.OpenLogs(), s.rel.ClickLogs(), s.rel.Contacts(), subsetExpr)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*segment.Row
	for rows.Next() {
		r := &segment.Row{}
		var propsJSON, openJSON, clickJSON []byte
		var device, os, browser pq.Int64Array
		err := rows.Scan(
			&r.Email, &r.Added, &r.AddedIndex, &propsJSON,
			pq.Array(&r.Lists), &openJSON, &clickJSON,
			pq.Array(&r.Tags), &device, &os, &browser,
			pq.Array(&r.Country), pq.Array(&r.Region), pq.Array(&r.Zip))
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(propsJSON, &r.Props); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(openJSON, &r.OpenLogs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(clickJSON, &r.ClickLogs); err != nil {
			return nil, err
		}
		r.Device = toInts(device)
		r.OS = toInts(os)
		r.Browser = toInts(browser)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	segment.SortRows(out)
	return out, nil
}

func toInts(in pq.Int64Array) []int {
	if len(in) == 0 {
		return nil
	}
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

// SentRows returns, per campaign, the set of addresses in one partition
// that the campaign was sent to.
func (s *Store) SentRows(ctx context.Context, campaignIDs []string, partition, hashlimit int) (map[string]map[string]struct{}, error) {
	ret := make(map[string]map[string]struct{})
	if len(campaignIDs) == 0 {
		return ret, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select s.campid, c.email
		from %s c
		join %s s on s.contact_id = c.contact_id
		where s.campid = any($1)
		and ($2 = 1 or mod(c.contact_id, $2) = $3)`, s.rel.Contacts(), s.rel.SendLogs()),
		pq.Array(campaignIDs), hashlimit, partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var campID, email string
		if err := rows.Scan(&campID, &email); err != nil {
			return nil, err
		}
		set, ok := ret[campID]
		if !ok {
			set = make(map[string]struct{})
			ret[campID] = set
		}
		set[email] = struct{}{}
	}
	return ret, rows.Err()
}

// SuppressionRows returns one partition's suppressed addresses as MD5
// digests. Addresses that already look like digests pass through, so
// hash-only suppression lists keep working.
func (s *Store) SuppressionRows(ctx context.Context, partition, hashlimit int, supplistIDs []string) (map[string]struct{}, error) {
	ret := make(map[string]struct{})
	if len(supplistIDs) == 0 {
		return ret, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select c.email
		from %s c
		join %s s on s.contact_id = c.contact_id
		where s.supplist_id = any($1)
		and ($2 = 1 or mod(c.contact_id, $2) = $3)`, s.rel.Contacts(), s.rel.SuppLists()),
		pq.Array(supplistIDs), hashlimit, partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		if md5Pattern.MatchString(email) {
			ret[email] = struct{}{}
		} else {
			sum := md5.Sum([]byte(email))
			ret[hex.EncodeToString(sum[:])] = struct{}{}
		}
	}
	return ret, rows.Err()
}

// RecordSends logs a campaign send to a set of addresses, once per
// (contact, campaign), and applies the campaign's tag deltas to the
// contacts that were actually logged. Returns the addresses newly logged.
func (s *Store) RecordSends(ctx context.Context, campaignID string, emails, tagDeltas []string) ([]string, error) {
	refs, err := s.resolveContacts(ctx, emails)
	if err != nil {
		return nil, err
	}

	ts := nowStamp()
	var msgs []Notification
	var logged []string
	for _, ref := range refs {
		var id sql.NullInt64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
			insert into %s (contact_id, campid) values ($1, $2)
			on conflict (contact_id, campid) do nothing returning contact_id`, s.rel.SendLogs()),
			ref.ID, campaignID).Scan(&id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		logged = append(logged, ref.Email)
		msgs = append(msgs, Notification{
			Type: "send", Email: ref.Email, Timestamp: ts,
		})
	}

	if len(tagDeltas) > 0 {
		if err := s.updateTags(ctx, tagDeltas, refs, &msgs); err != nil {
			return nil, err
		}
	}
	if len(msgs) > 0 {
		s.sink.Notify(ctx, s.rel.Tenant, msgs)
	}
	return logged, nil
}

// LogEntry is one open, click, or send log item in a contact profile.
type LogEntry struct {
	Timestamp  string `json:"timestamp,omitempty"`
	CampaignID string `json:"broadcast_id"`
	LinkIndex  *int   `json:"link_index,omitempty"`
}

// ContactProfile is the full single-contact projection served by the
// profile endpoint and exports.
type ContactProfile struct {
	Email      string            `json:"email"`
	AddedAt    string            `json:"added_at"`
	Properties map[string]string `json:"properties"`
	Lists      []string          `json:"lists"`
	Tags       []string          `json:"tags"`
	Devices    []int             `json:"devices"`
	OSes       []int             `json:"operating_systems"`
	Browsers   []int             `json:"browsers"`
	Countries  []string          `json:"countries"`
	Regions    []string          `json:"regions"`
	Zips       []string          `json:"zipcodes"`
	OpenLogs   []LogEntry        `json:"open_logs"`
	ClickLogs  []LogEntry        `json:"click_logs"`
	SendLogs   []LogEntry        `json:"send_logs"`
}

// ContactData loads one contact's complete profile. Returns nil when the
// address is unknown.
func (s *Store) ContactData(ctx context.Context, email string) (*ContactProfile, error) {
	query := fmt.Sprintf(`
		with contact_id as (
			select contact_id from %[1]s where email = $1
		), open_logs as (
			select c.contact_id, jsonb_agg(jsonb_build_object('ts', op.ts, 'campid', op.campid) order by op.ts) filter (where op.campid is not null) as open_logs
			from %[2]s op
			join contact_id c on op.contact_id = c.contact_id
			group by c.contact_id
		), click_logs as (
			select c.contact_id, jsonb_agg(jsonb_build_object('ts', cl.ts, 'campid', cl.campid, 'linkindex', cl.linkindex) order by cl.ts) filter (where cl.campid is not null) as click_logs
			from %[3]s cl
			join contact_id c on cl.contact_id = c.contact_id
			group by c.contact_id
		), send_logs as (
			select c.contact_id, jsonb_agg(jsonb_build_object('campid', sl.campid)) filter (where sl.campid is not null) as send_logs
			from %[4]s sl
			join contact_id c on sl.contact_id = c.contact_id
			group by c.contact_id
		), vals as (
			select
				c.contact_id,
				array_agg(distinct value) filter (where type = 'tag') as tags,
				array_agg(distinct value::int) filter (where type = 'device') as device,
				array_agg(distinct value::int) filter (where type = 'os') as os,
				array_agg(distinct value::int) filter (where type = 'browser') as browser,
				array_agg(distinct value) filter (where type = 'country') as country,
				array_agg(distinct value) filter (where type = 'region') as region,
				array_agg(distinct value) filter (where type = 'zip') as zip
			from %[5]s v
			join contact_id c on v.contact_id = c.contact_id
			group by c.contact_id
		)
		select c.email, c.added, c.props,
			array_agg(distinct l.list_id),
			coalesce(op.open_logs, '[]'),
			coalesce(cl.click_logs, '[]'),
			coalesce(sl.send_logs, '[]'),
			coalesce(v.tags, '{}'),
			coalesce(v.device, '{}'),
			coalesce(v.os, '{}'),
			coalesce(v.browser, '{}'),
			coalesce(v.country, '{}'),
			coalesce(v.region, '{}'),
			coalesce(v.zip, '{}')
		from %[1]s c
		join %[6]s l on l.contact_id = c.contact_id
		join contact_id ci on ci.contact_id = c.contact_id
		left join open_logs op on op.contact_id = c.contact_id
		left join click_logs cl on cl.contact_id = c.contact_id
		left join send_logs sl on sl.contact_id = c.contact_id
		left join vals v on v.contact_id = c.contact_id
		group by c.email, c.added, c.props, op.open_logs, cl.click_logs, sl.send_logs, v.tags, v.device, v.os, v.browser, v.country, v.region, v.zip`,
		s.rel.Contacts(), s.rel.OpenLogs(), s.rel.ClickLogs(), s.rel.SendLogs(), s.rel.Values(), s.rel.Lists())

	p := &ContactProfile{}
	var added int64
	var propsJSON, openJSON, clickJSON, sendJSON []byte
	var device, os, browser pq.Int64Array
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&p.Email, &added, &propsJSON, pq.Array(&p.Lists),
		&openJSON, &clickJSON, &sendJSON,
		pq.Array(&p.Tags), &device, &os, &browser,
		pq.Array(&p.Countries), pq.Array(&p.Regions), pq.Array(&p.Zips))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.AddedAt = stampFromUnix(added)
	p.Devices = toInts(device)
	p.OSes = toInts(os)
	p.Browsers = toInts(browser)

	var props map[string][]string
	if err := json.Unmarshal(propsJSON, &props); err != nil {
		return nil, err
	}
	p.Properties = make(map[string]string, len(props))
	for k, v := range props {
		if len(v) > 0 {
			p.Properties[k] = v[0]
		}
	}

	var err2 error
	if p.OpenLogs, err2 = decodeLogEntries(openJSON, true, false); err2 != nil {
		return nil, err2
	}
	if p.ClickLogs, err2 = decodeLogEntries(clickJSON, true, true); err2 != nil {
		return nil, err2
	}
	if p.SendLogs, err2 = decodeLogEntries(sendJSON, false, false); err2 != nil {
		return nil, err2
	}
	return p, nil
}

func decodeLogEntries(raw []byte, withTS, withLink bool) ([]LogEntry, error) {
	var items []struct {
		TS        int64  `json:"ts"`
		CampID    string `json:"campid"`
		LinkIndex int    `json:"linkindex"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(items))
	for _, it := range items {
		e := LogEntry{CampaignID: it.CampID}
		if withTS {
			e.Timestamp = stampFromUnix(it.TS)
		}
		if withLink {
			link := it.LinkIndex
			e.LinkIndex = &link
		}
		out = append(out, e)
	}
	return out, nil
}

// ExportRow is one contact flattened for file export.
type ExportRow struct {
	Email string              `json:"email"`
	Props map[string][]string `json:"props"`
}

// ListRows loads every member of a list with its property document,
// ordered by address.
func (s *Store) ListRows(ctx context.Context, listID string) ([]ExportRow, error) {
	query := fmt.Sprintf(`
		select c.email, coalesce(c.props, '{}')
		from %s c
		join %s l on l.contact_id = c.contact_id
		where l.list_id = $1
		order by c.email`,
		s.rel.Contacts(), s.rel.Lists())

	rows, err := s.db.QueryContext(ctx, query, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExportRow
	for rows.Next() {
		var row ExportRow
		var propsJSON []byte
		if err := rows.Scan(&row.Email, &propsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(propsJSON, &row.Props); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
