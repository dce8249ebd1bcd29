package contactstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-engine/internal/segment"
)

func TestSegmentRows(t *testing.T) {
	store, mock, _, db := newTestStore(t)
	defer db.Close()

	cols := []string{
		"email", "added", "added_index", "props", "lists",
		"open_logs", "click_logs", "tags", "device", "os", "browser",
		"country", "region", "zip",
	}
	rows := sqlmock.NewRows(cols).
		AddRow(
			"zz@example.com", int64(1600000000), int64(1),
			[]byte(`{"First Name":["Zed"]}`), []byte(`{list-1}`),
			[]byte(`[{"ts":1600001000,"campid":"c1"}]`),
			[]byte(`[{"ts":1600002000,"campid":"c1","linkindex":2,"updatedts":0}]`),
			[]byte(`{vip,beta}`), []byte(`{1}`), []byte(`{}`), []byte(`{}`),
			[]byte(`{US}`), []byte(`{}`), []byte(`{98004}`)).
		AddRow(
			"aa@example.com", int64(1500000000), int64(0),
			[]byte(`{}`), []byte(`{list-1,list-2}`),
			[]byte(`[]`), []byte(`[]`),
			[]byte(`{}`), []byte(`{}`), []byte(`{}`), []byte(`{}`),
			[]byte(`{}`), []byte(`{}`), []byte(`{}`))

	mock.ExpectQuery(`with vals as`).
		WithArgs(sqlmock.AnyArg(), 4, 2).
		WillReturnRows(rows)

	out, err := store.SegmentRows(context.Background(), 2, []string{"list-1", "list-2"}, 4, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)

	// output order follows the stable hash, not scan order
	for i, r := range out {
		if r.Email == "zz@example.com" {
			assert.Equal(t, []string{"list-1"}, r.Lists)
			assert.Equal(t, []string{"Zed"}, r.Props["First Name"])
			assert.Equal(t, []int{1}, r.Device)
			require.Len(t, r.OpenLogs, 1)
			assert.Equal(t, "c1", r.OpenLogs[0].Campaign)
			require.Len(t, r.ClickLogs, 1)
			assert.Equal(t, 2, r.ClickLogs[0].LinkIndex)
			if segment.StableHash("zz@example.com") < segment.StableHash("aa@example.com") {
				assert.Equal(t, 0, i)
			} else {
				assert.Equal(t, 1, i)
			}
		}
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSentRows(t *testing.T) {
	store, mock, _, db := newTestStore(t)
	defer db.Close()

	mock.ExpectQuery(`select s.campid, c.email`).
		WithArgs(sqlmock.AnyArg(), 4, 1).
		WillReturnRows(sqlmock.NewRows([]string{"campid", "email"}).
			AddRow("c1", "a@example.com").
			AddRow("c1", "b@example.com").
			AddRow("c2", "a@example.com"))

	sent, err := store.SentRows(context.Background(), []string{"c1", "c2"}, 1, 4)
	require.NoError(t, err)
	assert.Len(t, sent["c1"], 2)
	assert.Len(t, sent["c2"], 1)
	_, ok := sent["c1"]["b@example.com"]
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSentRowsNoCampaigns(t *testing.T) {
	store, _, _, db := newTestStore(t)
	defer db.Close()

	sent, err := store.SentRows(context.Background(), nil, 0, 1)
	require.NoError(t, err)
	assert.Empty(t, sent)
}

func TestSuppressionRowsNormalizesToMD5(t *testing.T) {
	store, mock, _, db := newTestStore(t)
	defer db.Close()

	digest := "d41d8cd98f00b204e9800998ecf8427e"
	mock.ExpectQuery(`select c.email`).
		WithArgs(sqlmock.AnyArg(), 4, 3).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).
			AddRow("user@example.com").
			AddRow(digest))

	set, err := store.SuppressionRows(context.Background(), 3, 4, []string{"supp-1"})
	require.NoError(t, err)

	sum := md5.Sum([]byte("user@example.com"))
	_, ok := set[hex.EncodeToString(sum[:])]
	assert.True(t, ok)
	_, ok = set[digest]
	assert.True(t, ok)
	assert.Len(t, set, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSendsLogsOncePerCampaign(t *testing.T) {
	store, mock, sink, db := newTestStore(t)
	defer db.Close()

	mock.ExpectQuery(`select email, contact_id from contacts."contacts_acme"`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"email", "contact_id"}).
			AddRow("a@example.com", 1).
			AddRow("b@example.com", 2))
	mock.ExpectQuery(`insert into contacts."contact_send_logs_acme"`).
		WithArgs(int64(1), "camp-1").
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}).AddRow(1))
	// second contact already has the send logged
	mock.ExpectQuery(`insert into contacts."contact_send_logs_acme"`).
		WithArgs(int64(2), "camp-1").
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}))

	logged, err := store.RecordSends(context.Background(), "camp-1",
		[]string{"a@example.com", "b@example.com"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, logged)
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "send", sink.msgs[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContactDataUnknownAddress(t *testing.T) {
	store, mock, _, db := newTestStore(t)
	defer db.Close()

	mock.ExpectQuery(`with contact_id as`).
		WithArgs("ghost@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"email"}))

	p, err := store.ContactData(context.Background(), "ghost@example.com")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportRowsDefault(t *testing.T) {
	store, mock, _, db := newTestStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`select email, bounced, unsubscribed, complained`).
		WithArgs("acme", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"email", "bounced", "unsubscribed", "complained"}).
			AddRow("b@example.com", true, false, false))
	mock.ExpectQuery(`select coalesce\(sum\(bounced\), 0\)`).
		WithArgs(sqlmock.AnyArg(), "list-1", "acme").
		WillReturnRows(sqlmock.NewRows([]string{"b", "u", "c", "s"}).AddRow(1, 0, 0, 0))
	mock.ExpectQuery(`with c as`).
		WillReturnRows(sqlmock.NewRows([]string{"domain", "count"}).
			AddRow("example.com", 2))
	mock.ExpectCommit()

	rows := []ImportRow{
		{Email: "a@example.com", Props: map[string][]string{"First Name": {"Ann"}}},
		{Email: "b@example.com", Props: map[string][]string{}},
	}
	count, domains, stats, err := store.ImportRows(context.Background(), KindList, "list-1", rows, FeedOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(2), domains["example.com"])
	assert.Equal(t, int64(1), stats.Bounced)
	// suppression history folds back into the row before the upsert
	assert.Equal(t, []string{"true"}, rows[1].Props["Bounced"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportRowsEmpty(t *testing.T) {
	store, _, _, db := newTestStore(t)
	defer db.Close()

	count, domains, stats, err := store.ImportRows(context.Background(), KindList, "list-1", nil, FeedOptions{})
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, domains)
	assert.Zero(t, stats)
	assert.NoError(t, err)
}
