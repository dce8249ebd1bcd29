package bulk

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/contactstore"
)

type exportPartial struct {
	AllProps []string `json:"allprops"`
}

// ExportSegment starts a file export of every contact matching a segment.
// The result is a zip of per-status CSVs written to the blob store; the
// export record tracks progress and carries the final key.
func (o *Operator) ExportSegment(ctx context.Context, tenantID, segmentID string) (string, error) {
	store, err := o.store(tenantID)
	if err != nil {
		return "", err
	}
	seg, err := store.GetSegment(ctx, segmentID)
	if err != nil {
		return "", err
	}
	if seg == nil {
		return "", fmt.Errorf("unknown segment %q", segmentID)
	}

	exportID := uuid.NewString()
	if err := store.CreateExport(ctx, exportID); err != nil {
		return "", err
	}
	path := exportPath(exportID, seg.Name)

	hashlimit, listIDs, err := o.params(ctx, store, false)
	if err != nil {
		return "", err
	}

	jobID, err := o.gather.Init(ctx, taskExportBlock, hashlimit)
	if err != nil {
		return "", err
	}
	for partition := 0; partition < hashlimit; partition++ {
		task := exportBlockTask{
			Tenant:    tenantID,
			SegmentID: segmentID,
			Partition: partition,
			HashLimit: hashlimit,
			ListIDs:   listIDs,
			JobID:     jobID,
			ExportID:  exportID,
			Path:      path,
		}
		if _, err := o.queue.Enqueue(ctx, taskExportBlock, task, lowPriority); err != nil {
			return "", err
		}
	}
	return exportID, nil
}

// ExportList starts a file export of one list's full membership.
func (o *Operator) ExportList(ctx context.Context, tenantID, listID string) (string, error) {
	store, err := o.store(tenantID)
	if err != nil {
		return "", err
	}
	exportID := uuid.NewString()
	if err := store.CreateExport(ctx, exportID); err != nil {
		return "", err
	}
	task := exportListTask{
		Tenant:   tenantID,
		ListID:   listID,
		ExportID: exportID,
		Path:     exportPath(exportID, listID),
	}
	if _, err := o.queue.Enqueue(ctx, taskExportList, task, lowPriority); err != nil {
		return "", err
	}
	return exportID, nil
}

// ExportContact starts an export of a single contact's full profile as a
// zipped JSON document. With erase set the contact is destroyed after the
// archive is written, unsubscribe log included.
func (o *Operator) ExportContact(ctx context.Context, tenantID, email string, erase bool) (string, error) {
	store, err := o.store(tenantID)
	if err != nil {
		return "", err
	}
	exportID := uuid.NewString()
	if err := store.CreateExport(ctx, exportID); err != nil {
		return "", err
	}
	task := exportContactTask{
		Tenant:   tenantID,
		Email:    email,
		Erase:    erase,
		ExportID: exportID,
		Path:     exportPath(exportID, "contact"),
	}
	if _, err := o.queue.Enqueue(ctx, taskExportContact, task, lowPriority); err != nil {
		return "", err
	}
	return exportID, nil
}

// ExportStatus reports an export's state; nil when unknown.
func (o *Operator) ExportStatus(ctx context.Context, tenantID, exportID string) (*contactstore.ExportState, error) {
	store, err := o.store(tenantID)
	if err != nil {
		return nil, err
	}
	return store.GetExport(ctx, exportID)
}

func exportPath(exportID, name string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, name)
	if slug == "" {
		slug = "export"
	}
	return fmt.Sprintf("exports/%s/%s-%d.zip", exportID, slug, time.Now().Unix())
}

func (o *Operator) handleExportBlock(ctx context.Context, payload json.RawMessage) error {
	var task exportBlockTask
	if err := decodeJSON(payload, &task); err != nil {
		return err
	}
	store, err := o.store(task.Tenant)
	if err != nil {
		return err
	}

	partial, err := o.exportBlock(ctx, store, task)
	if err != nil {
		failErr := store.PatchExport(ctx, task.ExportID, map[string]interface{}{"status": "error", "error": err.Error()})
		if failErr != nil {
			return failErr
		}
		return err
	}
	raw, err := json.Marshal(partial)
	if err != nil {
		return err
	}
	partials, err := o.gather.Complete(ctx, task.JobID, raw, true)
	if err != nil || partials == nil {
		return err
	}

	propSet := map[string]struct{}{}
	for _, raw := range partials {
		var partial exportPartial
		if err := decodeJSON(raw, &partial); err != nil {
			return err
		}
		for _, p := range partial.AllProps {
			propSet[p] = struct{}{}
		}
	}
	final := exportFinalTask{
		Tenant:    task.Tenant,
		BlockPath: fmt.Sprintf("segmentexports/%s/", task.JobID),
		AllProps:  sortProps(propSet),
		ExportID:  task.ExportID,
		Path:      task.Path,
	}
	_, err = o.queue.Enqueue(ctx, taskExportFinal, final, lowPriority)
	return err
}

// exportBlock evaluates one partition and writes the matches to the blob
// store as JSON lines. The partial carries the property names seen.
func (o *Operator) exportBlock(ctx context.Context, store *contactstore.Store, task exportBlockTask) (exportPartial, error) {
	seg, err := store.GetSegment(ctx, task.SegmentID)
	if err != nil {
		return exportPartial{}, err
	}
	if seg == nil {
		return exportPartial{}, fmt.Errorf("unknown segment %q", task.SegmentID)
	}
	closure, campaignIDs, err := evalPrep(ctx, store, seg)
	if err != nil {
		return exportPartial{}, err
	}
	matched, _, err := partitionMatches(ctx, store, seg, closure, campaignIDs, task.Partition, task.HashLimit, task.ListIDs)
	if err != nil {
		return exportPartial{}, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	propSet := map[string]struct{}{}
	for _, row := range matched {
		rec := contactstore.ExportRow{Email: row.Email, Props: row.Props}
		if err := enc.Encode(rec); err != nil {
			return exportPartial{}, err
		}
		for name := range row.Props {
			if !strings.HasPrefix(name, "!") {
				propSet[name] = struct{}{}
			}
		}
	}
	if err := o.blobs.Put(ctx, blockKey(task.JobID, task.Partition), buf.Bytes(), "application/octet-stream"); err != nil {
		return exportPartial{}, err
	}

	props := make([]string, 0, len(propSet))
	for name := range propSet {
		props = append(props, name)
	}
	sort.Strings(props)
	return exportPartial{AllProps: props}, nil
}

func (o *Operator) handleExportFinal(ctx context.Context, payload json.RawMessage) error {
	var task exportFinalTask
	if err := decodeJSON(payload, &task); err != nil {
		return err
	}
	store, err := o.store(task.Tenant)
	if err != nil {
		return err
	}
	if err := o.exportFinal(ctx, store, task); err != nil {
		failErr := store.PatchExport(ctx, task.ExportID, map[string]interface{}{"status": "error", "error": err.Error()})
		if failErr != nil {
			return failErr
		}
		return err
	}
	return nil
}

// exportFinal merges the partition blocks into per-status CSVs inside a
// single zip, then removes the blocks.
func (o *Operator) exportFinal(ctx context.Context, store *contactstore.Store, task exportFinalTask) error {
	keys, err := o.blobs.List(ctx, task.BlockPath)
	if err != nil {
		return err
	}

	byStatus := map[string][]contactstore.ExportRow{}
	var count int64
	for _, key := range keys {
		data, err := o.blobs.Get(ctx, key)
		if err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		for dec.More() {
			var rec contactstore.ExportRow
			if err := dec.Decode(&rec); err != nil {
				return err
			}
			status := statusCategory(rec.Props)
			byStatus[status] = append(byStatus[status], rec)
			count++
		}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, status := range []string{"active", "bounced", "unsubscribed", "complained"} {
		recs := byStatus[status]
		if len(recs) == 0 {
			continue
		}
		f, err := zw.Create(status + ".csv")
		if err != nil {
			return err
		}
		if err := writeCSV(f, task.AllProps, recs); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if err := o.blobs.Put(ctx, task.Path, buf.Bytes(), "application/zip"); err != nil {
		return err
	}
	for _, key := range keys {
		if err := o.blobs.Delete(ctx, key); err != nil {
			return err
		}
	}
	return store.PatchExport(ctx, task.ExportID, map[string]interface{}{
		"status": "done",
		"key":    task.Path,
		"count":  count,
		"size":   int64(buf.Len()),
	})
}

// statusCategory routes a contact into the export CSV matching its most
// severe delivery status.
func statusCategory(props map[string][]string) string {
	for _, check := range []struct{ prop, status string }{
		{"Bounced", "bounced"},
		{"Unsubscribed", "unsubscribed"},
		{"Complained", "complained"},
	} {
		if vals := props[check.prop]; len(vals) > 0 && isTrue(vals[0]) {
			return check.status
		}
	}
	return "active"
}

// writeCSV renders records under a header whose first column is Email and
// whose remaining columns are property names.
func writeCSV(w io.Writer, header []string, recs []contactstore.ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	line := make([]string, len(header))
	for _, rec := range recs {
		line[0] = rec.Email
		for i, prop := range header[1:] {
			line[i+1] = ""
			if vals := rec.Props[prop]; len(vals) > 0 {
				line[i+1] = vals[0]
			}
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (o *Operator) handleExportList(ctx context.Context, payload json.RawMessage) error {
	var task exportListTask
	if err := decodeJSON(payload, &task); err != nil {
		return err
	}
	store, err := o.store(task.Tenant)
	if err != nil {
		return err
	}
	if err := o.exportList(ctx, store, task); err != nil {
		failErr := store.PatchExport(ctx, task.ExportID, map[string]interface{}{"status": "error", "error": err.Error()})
		if failErr != nil {
			return failErr
		}
		return err
	}
	return nil
}

func (o *Operator) exportList(ctx context.Context, store *contactstore.Store, task exportListTask) error {
	recs, err := store.ListRows(ctx, task.ListID)
	if err != nil {
		return err
	}
	propSet := map[string]struct{}{}
	for _, rec := range recs {
		for name := range rec.Props {
			if !strings.HasPrefix(name, "!") {
				propSet[name] = struct{}{}
			}
		}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("contacts.csv")
	if err != nil {
		return err
	}
	if err := writeCSV(f, sortProps(propSet), recs); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if err := o.blobs.Put(ctx, task.Path, buf.Bytes(), "application/zip"); err != nil {
		return err
	}
	return store.PatchExport(ctx, task.ExportID, map[string]interface{}{
		"status": "done",
		"key":    task.Path,
		"count":  int64(len(recs)),
		"size":   int64(buf.Len()),
	})
}

func (o *Operator) handleExportContact(ctx context.Context, payload json.RawMessage) error {
	var task exportContactTask
	if err := decodeJSON(payload, &task); err != nil {
		return err
	}
	store, err := o.store(task.Tenant)
	if err != nil {
		return err
	}
	if err := o.exportContact(ctx, store, task); err != nil {
		failErr := store.PatchExport(ctx, task.ExportID, map[string]interface{}{"status": "error", "error": err.Error()})
		if failErr != nil {
			return failErr
		}
		return err
	}
	return nil
}

func (o *Operator) exportContact(ctx context.Context, store *contactstore.Store, task exportContactTask) error {
	profile, err := store.ContactData(ctx, task.Email)
	if err != nil {
		return err
	}
	if profile == nil {
		return fmt.Errorf("unknown contact %q", task.Email)
	}

	doc, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("data.json")
	if err != nil {
		return err
	}
	if _, err := f.Write(doc); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if err := o.blobs.Put(ctx, task.Path, buf.Bytes(), "application/zip"); err != nil {
		return err
	}
	if task.Erase {
		if err := store.Erase(ctx, []string{task.Email}, true); err != nil {
			return err
		}
	}
	return store.PatchExport(ctx, task.ExportID, map[string]interface{}{
		"status": "done",
		"key":    task.Path,
		"count":  int64(1),
		"size":   int64(buf.Len()),
	})
}
