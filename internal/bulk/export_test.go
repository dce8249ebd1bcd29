package bulk

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-engine/internal/blob"
	"github.com/ignite/audience-engine/internal/contactstore"
)

func TestStatusCategory(t *testing.T) {
	assert.Equal(t, "active", statusCategory(nil))
	assert.Equal(t, "active", statusCategory(map[string][]string{"Bounced": {"false"}}))
	assert.Equal(t, "bounced", statusCategory(map[string][]string{"Bounced": {"true"}, "Unsubscribed": {"true"}}))
	assert.Equal(t, "unsubscribed", statusCategory(map[string][]string{"Unsubscribed": {"true"}}))
	assert.Equal(t, "complained", statusCategory(map[string][]string{"Complained": {"true"}}))
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := writeCSV(&buf, []string{"Email", "City"}, []contactstore.ExportRow{
		{Email: "a@example.com", Props: map[string][]string{"City": {"Lyon"}}},
		{Email: "b@example.com"},
	})
	require.NoError(t, err)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Email", "City"},
		{"a@example.com", "Lyon"},
		{"b@example.com", ""},
	}, records)
}

func TestExportPathSlugsName(t *testing.T) {
	path := exportPath("ex-1", "Q3 Buyers / EU")
	assert.True(t, strings.HasPrefix(path, "exports/ex-1/Q3-Buyers---EU-"))
	assert.True(t, strings.HasSuffix(path, ".zip"))

	path = exportPath("ex-2", "")
	assert.True(t, strings.HasPrefix(path, "exports/ex-2/export-"))
}

func TestExportFinalMergesBlocks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := contactstore.New(db, "acme", nil)
	require.NoError(t, err)

	mem := blob.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, mem.Put(ctx, blockKey("job-1", 0),
		[]byte(`{"email":"a@example.com","props":{"City":["Lyon"]}}`+"\n"), "application/octet-stream"))
	require.NoError(t, mem.Put(ctx, blockKey("job-1", 1),
		[]byte(`{"email":"b@example.com","props":{"Bounced":["true"]}}`+"\n"), "application/octet-stream"))

	mock.ExpectExec(regexp.QuoteMeta(`update exports set data = data || $1 where id = $2 and cid = $3`)).
		WithArgs(sqlmock.AnyArg(), "ex-1", "acme").
		WillReturnResult(sqlmock.NewResult(0, 1))

	o := &Operator{blobs: mem}
	task := exportFinalTask{
		Tenant:    "acme",
		BlockPath: "segmentexports/job-1/",
		AllProps:  []string{"Email", "City"},
		ExportID:  "ex-1",
		Path:      "exports/ex-1/test.zip",
	}
	require.NoError(t, o.exportFinal(ctx, store, task))

	data, err := mem.Get(ctx, task.Path)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	names := make([]string, 0, len(zr.File))
	contents := map[string]string{}
	for _, f := range zr.File {
		names = append(names, f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		contents[f.Name] = string(body)
	}
	assert.Equal(t, []string{"active.csv", "bounced.csv"}, names)
	assert.Contains(t, contents["active.csv"], "a@example.com,Lyon")
	assert.Contains(t, contents["bounced.csv"], "b@example.com")

	// blocks are removed once the archive is written
	keys, err := mem.List(ctx, "segmentexports/job-1/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, mock.ExpectationsWereMet())
}
