// Package importer ingests contact list uploads: CSV decoding, address
// validation and dedupe, blocking into bounded chunks, and the scattered
// write pipeline that lands the chunks in the partitioned store.
package importer

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ignite/audience-engine/internal/blob"
	"github.com/ignite/audience-engine/internal/contactstore"
	"github.com/ignite/audience-engine/internal/gather"
	"github.com/ignite/audience-engine/internal/taskq"
	"github.com/ignite/audience-engine/internal/tenant"
)

// contactsPerBlock bounds how many rows a single write task inserts.
const contactsPerBlock = 500

// maxEmailLen drops addresses that cannot fit a mailbox per RFC 5321.
const maxEmailLen = 254

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	md5Pattern   = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// Options control how imported rows interact with existing contacts.
type Options struct {
	// Override resets any delivery status the address already carries.
	Override bool `json:"override,omitempty"`
	// Unsubscribe marks every imported address unsubscribed.
	Unsubscribe bool `json:"unsubscribe,omitempty"`
	// SkipValidation suppresses post-import validation and review.
	SkipValidation bool `json:"skip_validation,omitempty"`
}

// PostProcessor receives finished list imports that added contacts, for
// downstream address validation and review submission. Failures there must
// not fail the import.
type PostProcessor interface {
	ImportFinished(ctx context.Context, tenantID, listID string, added int64)
}

// Importer runs list and suppression list uploads.
type Importer struct {
	db     *sql.DB
	queue  *taskq.Queue
	gather *gather.Coordinator
	dir    *tenant.Directory
	blobs  blob.Store
	sink   contactstore.Notifier

	// Post, when set, is invoked after a net-positive list import.
	Post PostProcessor
}

// New builds an Importer.
func New(db *sql.DB, queue *taskq.Queue, coord *gather.Coordinator, dir *tenant.Directory, blobs blob.Store, sink contactstore.Notifier) *Importer {
	return &Importer{db: db, queue: queue, gather: coord, dir: dir, blobs: blobs, sink: sink}
}

// Submit parses a CSV upload, blocks the surviving rows, and scatters one
// write task per block. The list stays flagged as processing until the
// last block lands. Returns the gather job id, empty when the upload held
// no usable rows.
func (im *Importer) Submit(ctx context.Context, tenantID string, kind contactstore.ListKind, listID string, data []byte, opts Options) (string, error) {
	store, err := contactstore.New(im.db, tenantID, im.sink)
	if err != nil {
		return "", err
	}
	if err := store.SetProcessing(ctx, kind, listID, "importing", ""); err != nil {
		return "", err
	}

	fail := func(err error) (string, error) {
		if clearErr := store.SetProcessing(ctx, kind, listID, "", err.Error()); clearErr != nil {
			return "", clearErr
		}
		return "", err
	}

	records, err := parseCSV(data)
	if err != nil {
		return fail(err)
	}
	exclEmails, exclDomains, err := store.Exclusions(ctx)
	if err != nil {
		return fail(err)
	}
	rows, usedProps, err := buildRows(records, kind, exclEmails, exclDomains)
	if err != nil {
		return fail(err)
	}
	if len(rows) == 0 {
		if err := store.SetProcessing(ctx, kind, listID, "", ""); err != nil {
			return "", err
		}
		return "", nil
	}

	blocks := blockRows(rows)
	jobID, err := im.gather.Init(ctx, taskWriteBlock, len(blocks))
	if err != nil {
		return fail(err)
	}
	for i, block := range blocks {
		key := blockKey(jobID, i)
		encoded, err := encodeBlock(block)
		if err != nil {
			return fail(err)
		}
		if err := im.blobs.Put(ctx, key, encoded, "application/octet-stream"); err != nil {
			return fail(err)
		}
		task := writeBlockTask{
			Tenant:   tenantID,
			Kind:     kind,
			ListID:   listID,
			BlockKey: key,
			Props:    usedProps,
			Opts:     opts,
			JobID:    jobID,
		}
		if _, err := im.queue.Enqueue(ctx, taskWriteBlock, task, taskq.Low); err != nil {
			return fail(err)
		}
	}
	return jobID, nil
}

// parseCSV decodes an upload into records, falling back to Latin-1 when
// the payload is not valid UTF-8.
func parseCSV(data []byte) ([][]string, error) {
	if !utf8.Valid(data) {
		data = latin1ToUTF8(data)
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse upload: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func latin1ToUTF8(data []byte) []byte {
	out := make([]rune, len(data))
	for i, b := range data {
		out[i] = rune(b)
	}
	return []byte(string(out))
}

// buildRows validates and dedupes the parsed records. The first record is
// the header; its Email column (first column when none is named Email)
// identifies each row, later occurrences of an address win. Suppression
// uploads also accept bare MD5 digests. Excluded addresses and domains
// never make it through.
func buildRows(records [][]string, kind contactstore.ListKind, exclEmails, exclDomains map[string]struct{}) ([]contactstore.ImportRow, []string, error) {
	if len(records) == 0 {
		return nil, nil, nil
	}

	header := records[0]
	emailCol := 0
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "email") {
			emailCol = i
			break
		}
	}
	var usedProps []string
	propCols := map[int]string{}
	for i, name := range header {
		name = strings.TrimSpace(name)
		if i == emailCol || !contactstore.ValidProp(name) || contactstore.IsStatusProp(name) {
			continue
		}
		propCols[i] = name
		usedProps = append(usedProps, name)
	}

	index := map[string]int{}
	var rows []contactstore.ImportRow
	for _, rec := range records[1:] {
		if emailCol >= len(rec) {
			continue
		}
		email, ok := normalizeAddress(rec[emailCol], kind)
		if !ok {
			continue
		}
		if _, excluded := exclEmails[email]; excluded {
			continue
		}
		if at := strings.LastIndex(email, "@"); at >= 0 {
			if _, excluded := exclDomains[email[at+1:]]; excluded {
				continue
			}
		}

		props := map[string][]string{}
		for i, name := range propCols {
			if i < len(rec) {
				if v := strings.TrimSpace(rec[i]); v != "" {
					props[name] = []string{v}
				}
			}
		}
		row := contactstore.ImportRow{Email: email, Props: props}
		if at, seen := index[email]; seen {
			rows[at] = row
			continue
		}
		index[email] = len(rows)
		rows = append(rows, row)
	}
	return rows, usedProps, nil
}

// normalizeAddress lowercases and validates one upload cell. Suppression
// lists admit MD5 digests alongside plain addresses.
func normalizeAddress(raw string, kind contactstore.ListKind) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" || len(s) > maxEmailLen {
		return "", false
	}
	if kind == contactstore.KindSupp && md5Pattern.MatchString(s) {
		return s, true
	}
	if !emailPattern.MatchString(s) {
		return "", false
	}
	return s, true
}

func blockRows(rows []contactstore.ImportRow) [][]contactstore.ImportRow {
	var blocks [][]contactstore.ImportRow
	for len(rows) > 0 {
		n := contactsPerBlock
		if len(rows) < n {
			n = len(rows)
		}
		blocks = append(blocks, rows[:n])
		rows = rows[n:]
	}
	return blocks
}

func encodeBlock(rows []contactstore.ImportRow) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeBlock(data []byte) ([]contactstore.ImportRow, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var rows []contactstore.ImportRow
	for dec.More() {
		var row contactstore.ImportRow
		if err := dec.Decode(&row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func blockKey(jobID string, index int) string {
	return fmt.Sprintf("imports/%s/%08d.blk", jobID, index)
}
