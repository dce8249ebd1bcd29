package contactstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// RemoveTagPartition strips one tag from every contact in a partition and
// emits a removal notification per affected address. The tenant tag
// directory entry is dropped separately by DeleteTag once all partitions
// are done.
func (s *Store) RemoveTagPartition(ctx context.Context, partition, hashlimit int, tag string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		with d as (
			delete from %s
			where type = 'tag' and value = $1
			and ($2 = 1 or mod(contact_id, $2) = $3)
			returning contact_id
		)
		select c.email from %s c
		join d on d.contact_id = c.contact_id`, s.rel.Values(), s.rel.Contacts()),
		tag, hashlimit, partition)
	if err != nil {
		return err
	}

	ts := nowStamp()
	var msgs []Notification
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			rows.Close()
			return err
		}
		msgs = append(msgs, Notification{
			Type: "tag_remove", Tag: tag, Email: email, Timestamp: ts,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(msgs) > 0 {
		s.sink.Notify(ctx, s.rel.Tenant, msgs)
	}
	return nil
}

// DeleteTag removes a tag from the tenant tag directory.
func (s *Store) DeleteTag(ctx context.Context, tag string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from alltags where cid = $1 and tag = $2`, s.rel.Tenant, tag)
	return err
}

// OverwriteProps replaces a contact's property document wholesale and
// registers the property names as used on every list the contact belongs
// to. Invalid property names are dropped.
func (s *Store) OverwriteProps(ctx context.Context, email string, props map[string]string) error {
	fixed := make(map[string][]string, len(props))
	used := make([]string, 0, len(props))
	for k, v := range props {
		if !ValidProp(k) {
			continue
		}
		fixed[k] = []string{v}
		used = append(used, k)
	}
	doc, err := json.Marshal(fixed)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`update %s set props = $1 where email = $2`, s.rel.Contacts()),
		doc, email)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select distinct l.list_id
		from %s l
		join %s c on l.contact_id = c.contact_id
		where c.email = $1`, s.rel.Lists(), s.rel.Contacts()),
		email)
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
		if err := s.PatchListStats(ctx, s.db, listID, 0, StatusCounts{}, used); err != nil {
			return err
		}
	}
	return nil
}

// contactRef pairs an address with its resolved contact id.
type contactRef struct {
	Email string
	ID    int64
}

// UpdateTags applies a tag delta list to a set of contacts. A leading "-"
// removes the tag, anything else adds it. Unknown addresses are skipped.
// The tenant-global tag directory is kept in step and one notification is
// emitted per effective add or remove.
func (s *Store) UpdateTags(ctx context.Context, emails, tags []string) error {
	refs, err := s.resolveContacts(ctx, emails)
	if err != nil {
		return err
	}

	var msgs []Notification
	if err := s.updateTags(ctx, tags, refs, &msgs); err != nil {
		return err
	}
	if len(msgs) > 0 {
		s.sink.Notify(ctx, s.rel.Tenant, msgs)
	}
	return nil
}

func (s *Store) resolveContacts(ctx context.Context, emails []string) ([]contactRef, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`select email, contact_id from %s where email = any($1)`, s.rel.Contacts()),
		pq.Array(emails))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []contactRef
	for rows.Next() {
		var r contactRef
		if err := rows.Scan(&r.Email, &r.ID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *Store) updateTags(ctx context.Context, tags []string, refs []contactRef, msgs *[]Notification) error {
	var addTags, removeTags []string
	for _, tag := range tags {
		if strings.HasPrefix(tag, "-") {
			removeTags = append(removeTags, tag[1:])
		} else {
			addTags = append(addTags, tag)
		}
	}
	if len(addTags) == 0 && len(removeTags) == 0 {
		return nil
	}
	for _, tag := range addTags {
		if err := s.EnsureTag(ctx, tag); err != nil {
			return err
		}
	}

	counts := make(map[string]int64)
	for _, ref := range refs {
		for _, tag := range addTags {
			if err := s.addTag(ctx, ref, tag, counts, msgs); err != nil {
				return err
			}
		}
		for _, tag := range removeTags {
			if err := s.removeTag(ctx, ref, tag, counts, msgs); err != nil {
				return err
			}
		}
	}

	return s.applyTagCounts(ctx, s.db, counts)
}

func (s *Store) addTag(ctx context.Context, ref contactRef, tag string, counts map[string]int64, msgs *[]Notification) error {
	var id int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		insert into %s (contact_id, type, value) values ($1, 'tag', $2)
		on conflict (contact_id, type, value) do nothing returning contact_id`, s.rel.Values()),
		ref.ID, tag).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	counts[tag]++
	*msgs = append(*msgs, Notification{
		Type: "tag_add", Tag: tag, Email: ref.Email, Timestamp: nowStamp(),
	})
	return nil
}

func (s *Store) removeTag(ctx context.Context, ref contactRef, tag string, counts map[string]int64, msgs *[]Notification) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`delete from %s where contact_id = $1 and type = 'tag' and value = $2`, s.rel.Values()),
		ref.ID, tag)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	counts[tag]--
	*msgs = append(*msgs, Notification{
		Type: "tag_remove", Tag: tag, Email: ref.Email, Timestamp: nowStamp(),
	})
	return nil
}
