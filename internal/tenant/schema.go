package tenant

import (
	"context"
	"fmt"

	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// InitializeSchema creates the contacts schema, the parent relations the
// per-tenant families inherit from, the partition directory, and the
// shared aggregate tables. Safe to call repeatedly.
func (d *Directory) InitializeSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS lists (
			id text PRIMARY KEY,
			cid text NOT NULL,
			data jsonb NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS lists_cid_idx ON lists (cid);
		CREATE TABLE IF NOT EXISTS supplists (
			id text PRIMARY KEY,
			cid text NOT NULL,
			data jsonb NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS supplists_cid_idx ON supplists (cid);
		CREATE TABLE IF NOT EXISTS list_domains (
			list_id text NOT NULL,
			domain text NOT NULL,
			count bigint NOT NULL DEFAULT 0,
			UNIQUE (list_id, domain)
		);
		CREATE TABLE IF NOT EXISTS alltags (
			cid text NOT NULL,
			tag text NOT NULL,
			count bigint NOT NULL DEFAULT 0,
			UNIQUE (cid, tag)
		);
		CREATE TABLE IF NOT EXISTS unsublogs (
			cid text NOT NULL,
			email text NOT NULL,
			rawhash text,
			unsubscribed boolean NOT NULL DEFAULT false,
			complained boolean NOT NULL DEFAULT false,
			bounced boolean NOT NULL DEFAULT false,
			UNIQUE (cid, email)
		);
		CREATE TABLE IF NOT EXISTS exclusions (
			cid text NOT NULL,
			item text NOT NULL,
			rawhash text,
			UNIQUE (cid, item)
		);
		CREATE TABLE IF NOT EXISTS segments (
			id text PRIMARY KEY,
			cid text NOT NULL,
			data jsonb NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS segments_cid_idx ON segments (cid);
		CREATE TABLE IF NOT EXISTS exports (
			id text PRIMARY KEY,
			cid text NOT NULL,
			data jsonb NOT NULL DEFAULT '{}'
		)`); err != nil {
		return fmt.Errorf("aggregate schema: %w", err)
	}

	var exists bool
	err := d.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE tablename = 'contacts_hashlimit' AND schemaname = 'contacts')`).
		Scan(&exists)
	if err != nil {
		return fmt.Errorf("schema probe: %w", err)
	}
	if exists {
		return nil
	}

	logger.Info("initializing contact storage schema")
	_, err = d.db.ExecContext(ctx, `
		CREATE SCHEMA contacts;
		CREATE TABLE contacts.contacts (
			contact_id int,
			email text,
			added bigint,
			props jsonb
		);
		CREATE TABLE contacts.contact_lists (
			list_id text,
			contact_id int
		);
		CREATE TABLE contacts.contact_supplists (
			supplist_id text,
			contact_id int
		);
		CREATE TYPE contacts.value_type AS ENUM ('tag', 'device', 'os', 'browser', 'country', 'region', 'zip');
		CREATE TABLE contacts.contact_values (
			contact_id int,
			type contacts.value_type,
			value text
		);
		CREATE TABLE contacts.contact_open_logs (
			contact_id int,
			campid text,
			ts bigint
		);
		CREATE TABLE contacts.contact_click_logs (
			contact_id int,
			campid text,
			linkindex int,
			updatedts bigint,
			ts bigint
		);
		CREATE TABLE contacts.contact_send_logs (
			contact_id int,
			campid text
		);
		CREATE TABLE contacts.contacts_hashlimit (
			cid text PRIMARY KEY,
			hashlimit int NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("schema create: %w", err)
	}
	return nil
}

// InitializeTenant creates the seven relation families for one tenant,
// with hash indexes at the ceiling, and seeds the directory entry.
func (d *Directory) InitializeTenant(ctx context.Context, tenantID string) error {
	if !ValidID(tenantID) {
		return ErrBadTenantID
	}
	cid := tenantID
	cap := d.cap

	ddl := fmt.Sprintf(`
		CREATE TABLE contacts."contacts_%[1]s" (
			contact_id serial PRIMARY KEY,
			email text NOT NULL,
			added bigint NOT NULL,
			opened boolean,
			clicked boolean,
			hard_bounced boolean,
			soft_bounced boolean,
			unsubscribed boolean,
			complained boolean,
			props jsonb NOT NULL,
			UNIQUE (email)
		) INHERITS (contacts.contacts);
		CREATE TABLE contacts."contact_lists_%[1]s" (
			list_id text NOT NULL,
			contact_id int NOT NULL REFERENCES contacts."contacts_%[1]s" ON DELETE CASCADE,
			UNIQUE (list_id, contact_id)
		) INHERITS (contacts.contact_lists);
		CREATE INDEX "contact_lists_%[1]s_contact_id_idx" ON contacts."contact_lists_%[1]s" (contact_id);
		CREATE TABLE contacts."contact_supplists_%[1]s" (
			supplist_id text NOT NULL,
			contact_id int NOT NULL REFERENCES contacts."contacts_%[1]s" ON DELETE CASCADE,
			UNIQUE (supplist_id, contact_id)
		) INHERITS (contacts.contact_supplists);
		CREATE INDEX "contact_supplists_%[1]s_contact_id_idx" ON contacts."contact_supplists_%[1]s" (contact_id);
		CREATE TABLE contacts."contact_values_%[1]s" (
			contact_id int NOT NULL REFERENCES contacts."contacts_%[1]s" ON DELETE CASCADE,
			type contacts.value_type NOT NULL,
			value text NOT NULL,
			UNIQUE (contact_id, type, value)
		) INHERITS (contacts.contact_values);
		CREATE TABLE contacts."contact_open_logs_%[1]s" (
			contact_id int NOT NULL REFERENCES contacts."contacts_%[1]s" ON DELETE CASCADE,
			campid text NOT NULL,
			ts bigint NOT NULL
		) INHERITS (contacts.contact_open_logs);
		CREATE UNIQUE INDEX "contact_open_logs_%[1]s_unique_idx" ON contacts."contact_open_logs_%[1]s" (contact_id, campid) INCLUDE (ts);
		CREATE TABLE contacts."contact_click_logs_%[1]s" (
			contact_id int NOT NULL REFERENCES contacts."contacts_%[1]s" ON DELETE CASCADE,
			campid text NOT NULL,
			linkindex int NOT NULL,
			updatedts bigint NOT NULL,
			ts bigint NOT NULL
		) INHERITS (contacts.contact_click_logs);
		CREATE UNIQUE INDEX "contact_click_logs_%[1]s_unique_idx" ON contacts."contact_click_logs_%[1]s" (contact_id, campid, linkindex, updatedts) INCLUDE (ts);
		CREATE TABLE contacts."contact_send_logs_%[1]s" (
			contact_id int NOT NULL REFERENCES contacts."contacts_%[1]s" ON DELETE CASCADE,
			campid text,
			UNIQUE (contact_id, campid)
		) INHERITS (contacts.contact_send_logs);
		CREATE INDEX "contact_send_logs_%[1]s_campid_idx" ON contacts."contact_send_logs_%[1]s" (campid);
		CREATE INDEX "contacts_%[1]s_hash_idx" ON contacts."contacts_%[1]s" ((mod(contact_id, %[2]d)));
		CREATE INDEX "contact_lists_%[1]s_hash_idx" ON contacts."contact_lists_%[1]s" ((mod(contact_id, %[2]d)));
		CREATE INDEX "contact_supplists_%[1]s_hash_idx" ON contacts."contact_supplists_%[1]s" ((mod(contact_id, %[2]d)));
		CREATE INDEX "contact_values_%[1]s_hash_idx" ON contacts."contact_values_%[1]s" ((mod(contact_id, %[2]d)));
		CREATE INDEX "contact_open_logs_%[1]s_hash_idx" ON contacts."contact_open_logs_%[1]s" ((mod(contact_id, %[2]d)));
		CREATE INDEX "contact_click_logs_%[1]s_hash_idx" ON contacts."contact_click_logs_%[1]s" ((mod(contact_id, %[2]d)));
		CREATE INDEX "contact_send_logs_%[1]s_hash_idx" ON contacts."contact_send_logs_%[1]s" ((mod(contact_id, %[2]d)))`,
		cid, cap)

	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init tenant %s: %w", cid, err)
	}
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO contacts.contacts_hashlimit (cid, hashlimit) VALUES ($1, $2) ON CONFLICT (cid) DO NOTHING`,
		cid, cap); err != nil {
		return fmt.Errorf("seed hashlimit %s: %w", cid, err)
	}
	return nil
}
