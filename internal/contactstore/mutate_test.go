package contactstore

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	mu   sync.Mutex
	msgs []Notification
}

func (c *captureNotifier) Notify(_ context.Context, _ string, msgs []Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msgs...)
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, *captureNotifier, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sink := &captureNotifier{}
	store, err := New(db, "acme", sink)
	require.NoError(t, err)
	return store, mock, sink, db
}

func TestNewRejectsBadTenantID(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db, `x"; drop table contacts`, nil)
	assert.Error(t, err)
}

func TestValidProp(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"First Name", true},
		{"Email", true},
		{"", false},
		{"   ", false},
		{"!!added", false},
		{"nick!name", false},
		{"a,b", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ValidProp(tc.name), tc.name)
	}
}

func TestUpdateTagsAdd(t *testing.T) {
	store, mock, sink, db := newTestStore(t)
	defer db.Close()

	mock.ExpectQuery(`select email, contact_id from contacts."contacts_acme"`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"email", "contact_id"}).
			AddRow("user@example.com", 7))
	mock.ExpectExec(`insert into alltags \(cid, tag, count\)`).
		WithArgs("acme", "vip").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`insert into contacts."contact_values_acme"`).
		WithArgs(int64(7), "vip").
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}).AddRow(7))
	mock.ExpectExec(`update alltags set count = count \+ \$1`).
		WithArgs(int64(1), "acme", "vip").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateTags(context.Background(), []string{"user@example.com"}, []string{"vip"})
	require.NoError(t, err)
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "tag_add", sink.msgs[0].Type)
	assert.Equal(t, "vip", sink.msgs[0].Tag)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTagsAddExistingIsSilent(t *testing.T) {
	store, mock, sink, db := newTestStore(t)
	defer db.Close()

	mock.ExpectQuery(`select email, contact_id from contacts."contacts_acme"`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"email", "contact_id"}).
			AddRow("user@example.com", 7))
	mock.ExpectExec(`insert into alltags \(cid, tag, count\)`).
		WithArgs("acme", "vip").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// conflict: no row returned, so no count delta and no notification
	mock.ExpectQuery(`insert into contacts."contact_values_acme"`).
		WithArgs(int64(7), "vip").
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}))

	err := store.UpdateTags(context.Background(), []string{"user@example.com"}, []string{"vip"})
	require.NoError(t, err)
	assert.Empty(t, sink.msgs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTagsRemove(t *testing.T) {
	store, mock, sink, db := newTestStore(t)
	defer db.Close()

	mock.ExpectQuery(`select email, contact_id from contacts."contacts_acme"`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"email", "contact_id"}).
			AddRow("user@example.com", 7))
	mock.ExpectExec(`delete from contacts."contact_values_acme"`).
		WithArgs(int64(7), "old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update alltags set count = count \+ \$1`).
		WithArgs(int64(-1), "acme", "old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`delete from alltags where count <= 0`).
		WithArgs("acme").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateTags(context.Background(), []string{"user@example.com"}, []string{"-old"})
	require.NoError(t, err)
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "tag_remove", sink.msgs[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEventUnknownAddressDropped(t *testing.T) {
	store, mock, _, db := newTestStore(t)
	defer db.Close()

	mock.ExpectQuery(`select contact_id from contacts."contacts_acme"`).
		WithArgs("ghost@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}))

	err := store.RecordEvent(context.Background(), Event{Kind: EventOpen, Email: "ghost@example.com", CampaignID: "c1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEventUnknownKind(t *testing.T) {
	store, _, _, db := newTestStore(t)
	defer db.Close()

	err := store.RecordEvent(context.Background(), Event{Kind: "tickle", Email: "a@b.c"})
	assert.Error(t, err)
}

func TestRecordEventFirstOpen(t *testing.T) {
	store, mock, _, db := newTestStore(t)
	defer db.Close()

	var advanced []string
	store.Advance = func(_ context.Context, tenantID, email, campaignID, kind string) {
		advanced = append(advanced, tenantID, email, campaignID, kind)
	}

	mock.ExpectQuery(`select contact_id from contacts."contacts_acme"`).
		WithArgs("user@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}).AddRow(7))
	// Opened flips from unset
	mock.ExpectQuery(`update contacts."contacts_acme" set props`).
		WithArgs(sqlmock.AnyArg(), int64(7), "Opened").
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}).AddRow(7))
	mock.ExpectExec(`insert into contacts."contact_values_acme"`).
		WithArgs(int64(7), "device", "1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// no engagement history: all activity windows reopen
	mock.ExpectQuery(`select max\(ts\) from`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec(`insert into contacts."contact_open_logs_acme"`).
		WithArgs(int64(7), "camp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`select l.list_id`).
		WithArgs("user@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"list_id"}).AddRow("list-1"))
	mock.ExpectExec(`update lists set data = data`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(),
			int64(1), int64(1), int64(1),
			int64(0), int64(0), int64(0), int64(0),
			"list-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.RecordEvent(context.Background(), Event{
		Kind:       EventOpen,
		Email:      "user@example.com",
		CampaignID: "camp-1",
		Client:     ClientAttrs{Device: "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "user@example.com", "camp-1", "open"}, advanced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEventDuplicateOpenNoAdvance(t *testing.T) {
	store, mock, _, db := newTestStore(t)
	defer db.Close()

	advanced := false
	store.Advance = func(context.Context, string, string, string, string) { advanced = true }

	mock.ExpectQuery(`select contact_id from contacts."contacts_acme"`).
		WithArgs("user@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}).AddRow(7))
	// Opened already true: guard matches nothing
	mock.ExpectQuery(`update contacts."contacts_acme" set props`).
		WithArgs(sqlmock.AnyArg(), int64(7), "Opened").
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}))
	mock.ExpectQuery(`select max\(ts\) from`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(1700000000)))
	mock.ExpectExec(`insert into contacts."contact_open_logs_acme"`).
		WithArgs(int64(7), "camp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select l.list_id`).
		WithArgs("user@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"list_id"}))

	err := store.RecordEvent(context.Background(), Event{
		Kind:       EventOpen,
		Email:      "user@example.com",
		CampaignID: "camp-1",
	})
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedSkipsExcludedAddress(t *testing.T) {
	store, mock, _, db := newTestStore(t)
	defer db.Close()

	mock.ExpectQuery(`select coalesce\(\(data->>'unapproved'\)::bool, false\) from lists`).
		WithArgs("list-1", "acme").
		WillReturnRows(sqlmock.NewRows([]string{"unapproved"}).AddRow(false))
	mock.ExpectQuery(`select true from exclusions`).
		WithArgs("acme", "user@example.com", "example.com").
		WillReturnRows(sqlmock.NewRows([]string{"true"}).AddRow(true))

	err := store.Feed(context.Background(), "list-1",
		map[string]string{"Email": "user@example.com"}, nil, FeedOptions{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedSkipsUnapprovedList(t *testing.T) {
	store, mock, _, db := newTestStore(t)
	defer db.Close()

	mock.ExpectQuery(`select coalesce\(\(data->>'unapproved'\)::bool, false\) from lists`).
		WithArgs("list-1", "acme").
		WillReturnRows(sqlmock.NewRows([]string{"unapproved"}).AddRow(true))

	err := store.Feed(context.Background(), "list-1",
		map[string]string{"Email": "user@example.com"}, nil, FeedOptions{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedRequiresEmail(t *testing.T) {
	store, _, _, db := newTestStore(t)
	defer db.Close()

	err := store.Feed(context.Background(), "list-1", map[string]string{"Name": "x"}, nil, FeedOptions{})
	assert.Error(t, err)
}

func TestRemoveTagPartition(t *testing.T) {
	store, mock, sink, db := newTestStore(t)
	defer db.Close()

	mock.ExpectQuery(`delete from contacts."contact_values_acme"`).
		WithArgs("vip", 4, 2).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).
			AddRow("a@example.com").
			AddRow("b@example.com"))

	err := store.RemoveTagPartition(context.Background(), 2, 4, "vip")
	require.NoError(t, err)
	require.Len(t, sink.msgs, 2)
	assert.Equal(t, "tag_remove", sink.msgs[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteTag(t *testing.T) {
	store, mock, _, db := newTestStore(t)
	defer db.Close()

	mock.ExpectExec(`delete from alltags where cid = \$1 and tag = \$2`).
		WithArgs("acme", "vip").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.DeleteTag(context.Background(), "vip"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
