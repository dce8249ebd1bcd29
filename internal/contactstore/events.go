package contactstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const secsInDay = 24 * 60 * 60

// EventKind is a delivery feedback command from the sending pipeline.
type EventKind string

const (
	EventBounce    EventKind = "bounce"
	EventComplaint EventKind = "complaint"
	EventUnsub     EventKind = "unsub"
	EventSoft      EventKind = "soft"
	EventOpen      EventKind = "open"
	EventClick     EventKind = "click"
)

// eventProp maps a kind to the status property it sets and whether the
// event also lands in an engagement log.
var eventProp = map[EventKind]struct {
	Prop   string
	Logged bool
}{
	EventBounce:    {"Bounced", false},
	EventComplaint: {"Complained", false},
	EventUnsub:     {"Unsubscribed", false},
	EventSoft:      {"Soft Bounced", false},
	EventOpen:      {"Opened", true},
	EventClick:     {"Clicked", true},
}

// ClientAttrs are the device fingerprint values an open or click carries.
// Empty values are skipped.
type ClientAttrs struct {
	Device  string `json:"device,omitempty"`
	OS      string `json:"os,omitempty"`
	Browser string `json:"browser,omitempty"`
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	Zip     string `json:"zip,omitempty"`
}

func (a ClientAttrs) pairs() [][2]string {
	return [][2]string{
		{"device", a.Device},
		{"os", a.OS},
		{"browser", a.Browser},
		{"country", a.Country},
		{"region", a.Region},
		{"zip", a.Zip},
	}
}

// Event is one inbound change for a contact.
type Event struct {
	Kind       EventKind   `json:"kind"`
	Email      string      `json:"email"`
	CampaignID string      `json:"campaign_id,omitempty"`
	Client     ClientAttrs `json:"client,omitempty"`
	// LinkIndex and UpdatedTS identify the clicked link and its content
	// revision. They are meaningful only for click events.
	LinkIndex int   `json:"link_index,omitempty"`
	UpdatedTS int64 `json:"updated_ts,omitempty"`
}

// RecordEvent applies one delivery feedback event: flips the matching
// status property exactly once, stores client attribute values, appends
// to the open or click log, and folds activity-window and status deltas
// into every list the contact belongs to. Unknown addresses are dropped.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	info, ok := eventProp[ev.Kind]
	if !ok {
		return fmt.Errorf("contactstore: unknown event kind %q", ev.Kind)
	}

	var contactID int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`select contact_id from %s where email = $1`, s.rel.Contacts()),
		ev.Email).Scan(&contactID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	var active30, active60, active90 int64
	var counts StatusCounts

	// the status property flips at most once per contact; values that
	// read as false still count as unset
	propPatch, err := json.Marshal(map[string][]string{info.Prop: {"true"}})
	if err != nil {
		return err
	}
	var written sql.NullInt64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		update %[1]s set props = %[1]s.props || $1
		where contact_id = $2 and (props->>$3 is null or (props->$3 in (
			'[""]'::jsonb, '["false"]'::jsonb, '["f"]'::jsonb, '["n"]'::jsonb, '["no"]'::jsonb
		))) returning contact_id`, s.rel.Contacts()),
		propPatch, contactID, info.Prop).Scan(&written)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if written.Valid {
		switch ev.Kind {
		case EventBounce:
			counts.Bounced = 1
		case EventComplaint:
			counts.Complained = 1
		case EventUnsub:
			counts.Unsubscribed = 1
		case EventSoft:
			counts.SoftBounced = 1
		}
	}

	for _, pair := range ev.Client.pairs() {
		if pair[1] == "" {
			continue
		}
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			insert into %s (contact_id, type, value) values ($1, $2, $3)
			on conflict (contact_id, type, value) do nothing`, s.rel.Values()),
			contactID, pair[0], pair[1])
		if err != nil {
			return err
		}
	}

	changed := false
	if info.Logged && ev.CampaignID != "" {
		var last sql.NullInt64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
			select max(ts) from (
				select ts from %s where contact_id = $1
				union all
				select ts from %s where contact_id = $1
			) s`, s.rel.OpenLogs(), s.rel.ClickLogs()),
			contactID).Scan(&last)
		if err != nil {
			return err
		}

		now := time.Now().Unix()
		if last.Valid {
			days := (now - last.Int64) / secsInDay
			if days > 30 {
				active30 = 1
			}
			if days > 60 {
				active60 = 1
			}
			if days > 90 {
				active90 = 1
			}
		} else {
			active30, active60, active90 = 1, 1, 1
		}

		var res sql.Result
		if ev.Kind == EventOpen {
			res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
				insert into %s (contact_id, campid, ts) values ($1, $2, $3)
				on conflict (contact_id, campid) do nothing`, s.rel.OpenLogs()),
				contactID, ev.CampaignID, now)
		} else {
			res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
				insert into %s (contact_id, campid, linkindex, updatedts, ts) values ($1, $2, $3, $4, $5)
				on conflict (contact_id, campid, linkindex, updatedts) do nothing`, s.rel.ClickLogs()),
				contactID, ev.CampaignID, ev.LinkIndex, ev.UpdatedTS, now)
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
	}

	if changed && s.Advance != nil {
		s.Advance(ctx, s.rel.Tenant, ev.Email, ev.CampaignID, string(ev.Kind))
	}

	patch, err := json.Marshal(map[string]interface{}{
		"last_update": nowStamp(),
		"count_dirty": true,
	})
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select l.list_id
		from %s l
		join %s c on c.contact_id = l.contact_id
		where c.email = $1`, s.rel.Lists(), s.rel.Contacts()),
		ev.Email)
	if err != nil {
		return err
	}
	var listIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		listIDs = append(listIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, listID := range listIDs {
		_, err := s.db.ExecContext(ctx, `
			update lists set data = data || $1 || jsonb_build_object(
				'used_properties', (select '["Email"]' || (jsonb_agg(distinct p) - 'Email')
					from jsonb_array_elements(coalesce(data->'used_properties', '[]'::jsonb) || array_to_json($2::text[])::jsonb) as p),
				'active30', coalesce((data->'active30')::int, 0) + $3,
				'active60', coalesce((data->'active60')::int, 0) + $4,
				'active90', coalesce((data->'active90')::int, 0) + $5,
				'bounced', coalesce((data->'bounced')::int, 0) + $6,
				'complained', coalesce((data->'complained')::int, 0) + $7,
				'unsubscribed', coalesce((data->'unsubscribed')::int, 0) + $8,
				'soft_bounced', coalesce((data->'soft_bounced')::int, 0) + $9
			)
			where id = $10`,
			patch, pq.Array([]string{info.Prop}),
			active30, active60, active90,
			counts.Bounced, counts.Complained, counts.Unsubscribed, counts.SoftBounced,
			listID)
		if err != nil {
			return err
		}
	}
	return nil
}
