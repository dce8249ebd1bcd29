package contactstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ignite/audience-engine/internal/segment"
)

// ListInfo is the slice of a list document the partitioning and bulk
// paths care about.
type ListInfo struct {
	ID         string
	Count      int64
	Unapproved bool
}

// Lists returns the tenant's lists with their cached counts.
func (s *Store) Lists(ctx context.Context) ([]ListInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id,
		       coalesce((data->>'count')::int, 0),
		       coalesce((data->>'unapproved')::bool, false)
		from lists where cid = $1`, s.rel.Tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ListInfo
	for rows.Next() {
		var li ListInfo
		if err := rows.Scan(&li.ID, &li.Count, &li.Unapproved); err != nil {
			return nil, err
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

// SuppLists returns the ids of the tenant's suppression lists.
func (s *Store) SuppLists(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id from supplists where cid = $1`, s.rel.Tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetSegment loads a stored segment definition. Implements segment.Loader;
// unknown ids return (nil, nil).
func (s *Store) GetSegment(ctx context.Context, id string) (*segment.Segment, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`select data from segments where id = $1 and cid = $2`, id, s.rel.Tenant).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seg := &segment.Segment{}
	if err := json.Unmarshal(doc, seg); err != nil {
		return nil, err
	}
	seg.ID = id
	return seg, nil
}

// SaveSegment stores a segment definition with its modified stamp bumped.
func (s *Store) SaveSegment(ctx context.Context, seg *segment.Segment) error {
	seg.Modified = time.Now().Unix()
	doc, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into segments (id, cid, data) values ($1, $2, $3)
		on conflict (id) do update set data = excluded.data`,
		seg.ID, s.rel.Tenant, doc)
	return err
}

// PatchSegmentCount writes a freshly computed member count into a segment
// document, but only when the definition has not been modified since the
// count was started.
func (s *Store) PatchSegmentCount(ctx context.Context, id string, count int, asOfModified int64) error {
	_, err := s.db.ExecContext(ctx, `
		update segments set data = data || jsonb_build_object('count', $1::int, 'counted', $2::bigint)
		where id = $3 and cid = $4 and coalesce((data->>'modified')::bigint, 0) = $5`,
		count, time.Now().Unix(), id, s.rel.Tenant, asOfModified)
	return err
}

// SegmentInfo is an id plus modified stamp, for count refresh sweeps.
type SegmentInfo struct {
	ID       string
	Modified int64
}

// Segments lists the tenant's stored segments.
func (s *Store) Segments(ctx context.Context) ([]SegmentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, coalesce((data->>'modified')::bigint, 0)
		from segments where cid = $1`, s.rel.Tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SegmentInfo
	for rows.Next() {
		var si SegmentInfo
		if err := rows.Scan(&si.ID, &si.Modified); err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

// ExportState tracks a running bulk export.
type ExportState struct {
	ID        string `json:"id"`
	Status    string `json:"status"` // running, done, error
	Error     string `json:"error,omitempty"`
	Key       string `json:"key,omitempty"`
	Count     int64  `json:"count,omitempty"`
	Size      int64  `json:"size,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// CreateExport registers a new export job.
func (s *Store) CreateExport(ctx context.Context, id string) error {
	doc, err := json.Marshal(ExportState{ID: id, Status: "running", CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into exports (id, cid, data) values ($1, $2, $3)`,
		id, s.rel.Tenant, doc)
	return err
}

// PatchExport updates an export job's status fields.
func (s *Store) PatchExport(ctx context.Context, id string, patch map[string]interface{}) error {
	doc, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`update exports set data = data || $1 where id = $2 and cid = $3`,
		doc, id, s.rel.Tenant)
	return err
}

// GetExport loads an export job's state; nil when unknown.
func (s *Store) GetExport(ctx context.Context, id string) (*ExportState, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`select data from exports where id = $1 and cid = $2`, id, s.rel.Tenant).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st := &ExportState{}
	if err := json.Unmarshal(doc, st); err != nil {
		return nil, err
	}
	return st, nil
}
