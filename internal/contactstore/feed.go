package contactstore

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// FeedOptions modify how a fed contact is reconciled with its
// suppression history.
type FeedOptions struct {
	// Override clears any bounced / unsubscribed / complained state and
	// drops the unsub log entry, re-activating the contact.
	Override bool
	// Unsubscribe marks the contact unsubscribed as it is added and
	// records an unsub log entry.
	Unsubscribe bool
}

// Feed adds or updates a single contact on a list from an inbound data
// map. The Email key is required; remaining keys become single-valued
// properties, except status properties which only event processing may
// write. Contacts matching the tenant exclusion set and unapproved lists
// are skipped silently.
func (s *Store) Feed(ctx context.Context, listID string, data map[string]string, tags []string, opts FeedOptions) error {
	email, ok := data["Email"]
	if !ok || email == "" {
		return fmt.Errorf("contactstore: feed without Email")
	}

	var unapproved sql.NullBool
	err := s.db.QueryRowContext(ctx,
		`select coalesce((data->>'unapproved')::bool, false) from lists where id = $1 and cid = $2`,
		listID, s.rel.Tenant).Scan(&unapproved)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if unapproved.Valid && unapproved.Bool {
		return nil
	}

	if excluded, err := s.Excluded(ctx, email); err != nil {
		return err
	} else if excluded {
		return nil
	}

	props := make(map[string][]string)
	for k, v := range data {
		if k == "Email" || !ValidProp(k) || statusProps[k] {
			continue
		}
		props[k] = []string{v}
	}

	var cur StatusCounts
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(
		`select %s, %s, %s, %s from %s where email = $1`,
		countBool("Bounced"), countBool("Unsubscribed"), countBool("Complained"), countBool("Soft Bounced"),
		s.rel.Contacts()),
		email).Scan(&cur.Bounced, &cur.Unsubscribed, &cur.Complained, &cur.SoftBounced)
	if err == sql.ErrNoRows {
		// re-adding a previously suppressed address carries its history
		var b, u, c bool
		err = s.db.QueryRowContext(ctx, `
			select bounced, unsubscribed, complained from unsublogs
			where cid = $1 and email = $2 and (unsubscribed or complained or bounced)`,
			s.rel.Tenant, email).Scan(&b, &u, &c)
		if err == nil {
			if b {
				cur.Bounced = 1
				props["Bounced"] = []string{"true"}
			}
			if u {
				cur.Unsubscribed = 1
				props["Unsubscribed"] = []string{"true"}
			}
			if c {
				cur.Complained = 1
				props["Complained"] = []string{"true"}
			}
		} else if err != sql.ErrNoRows {
			return err
		}
	} else if err != nil {
		return err
	}

	if opts.Override {
		if cur.Unsubscribed > 0 {
			props["Unsubscribed"] = []string{""}
		}
		if cur.Bounced > 0 {
			props["Bounced"] = []string{""}
		}
		if cur.Complained > 0 {
			props["Complained"] = []string{""}
		}
		if cur.SoftBounced > 0 {
			props["Soft Bounced"] = []string{""}
		}
	} else if opts.Unsubscribe && cur.Unsubscribed == 0 {
		props["Unsubscribed"] = []string{"true"}
	}

	propsJSON, err := json.Marshal(props)
	if err != nil {
		return err
	}

	var contactID int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		insert into %[1]s (email, added, props)
		values ($1, $2, $3)
		on conflict (email) do update set props = %[1]s.props || excluded.props
		returning contact_id`, s.rel.Contacts()),
		email, time.Now().Unix(), propsJSON).Scan(&contactID)
	if err != nil {
		return err
	}

	var joinedList sql.NullString
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		insert into %s (contact_id, list_id)
		values ($1, $2)
		on conflict do nothing
		returning list_id`, s.rel.Lists()),
		contactID, listID).Scan(&joinedList)
	isNew := err == nil
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	var msgs []Notification
	if err := s.updateTags(ctx, tags, []contactRef{{Email: email, ID: contactID}}, &msgs); err != nil {
		return err
	}

	var count int64
	var delta, otherDelta StatusCounts
	if isNew {
		msgs = append(msgs, Notification{
			Type: "list_add", List: listID, Email: email, Timestamp: nowStamp(),
		})
		if err := s.BumpListDomains(ctx, s.db, listID, map[string]int64{domainOf(email): 1}); err != nil {
			return err
		}

		count = 1
		delta = cur
		if opts.Override {
			delta = StatusCounts{}
		} else if opts.Unsubscribe {
			delta.Unsubscribed = 1
		}
	} else if opts.Override {
		delta = cur.Neg()
	} else if opts.Unsubscribe && cur.Unsubscribed == 0 {
		delta.Unsubscribed = 1
	}

	// other lists the contact belongs to only see status transitions,
	// never membership or domain changes
	if opts.Override {
		otherDelta = cur.Neg()
	} else if opts.Unsubscribe && cur.Unsubscribed == 0 {
		otherDelta.Unsubscribed = 1
	}

	used := make([]string, 0, len(props))
	for k := range props {
		used = append(used, k)
	}

	if err := s.PatchListStats(ctx, s.db, listID, count, delta, used); err != nil {
		return err
	}

	if otherDelta != (StatusCounts{}) {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			select distinct l.list_id from %s l
			where l.contact_id = $1 and l.list_id != $2`, s.rel.Lists()),
			contactID, listID)
		if err != nil {
			return err
		}
		var others []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			others = append(others, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, other := range others {
			if err := s.PatchListStats(ctx, s.db, other, 0, otherDelta, used); err != nil {
				return err
			}
		}
	}

	if opts.Override {
		_, err = s.db.ExecContext(ctx,
			`delete from unsublogs where cid = $1 and email = $2`, s.rel.Tenant, email)
		if err != nil {
			return err
		}
	} else if opts.Unsubscribe {
		sum := md5.Sum([]byte(email))
		_, err = s.db.ExecContext(ctx, `
			insert into unsublogs (cid, email, rawhash, unsubscribed, complained, bounced)
			values ($1, $2, $3, true, false, false)
			on conflict (cid, email) do update set unsubscribed = true`,
			s.rel.Tenant, email, hex.EncodeToString(sum[:]))
		if err != nil {
			return err
		}
	}

	if len(msgs) > 0 {
		s.sink.Notify(ctx, s.rel.Tenant, msgs)
	}
	return nil
}

// countBool projects a status property to a 0/1 integer for scanning.
func countBool(prop string) string {
	return fmt.Sprintf(`case when %s then 1 else 0 end`, statusExpr(prop))
}
