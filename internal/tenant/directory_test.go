package tenant

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("acme-42"))
	assert.True(t, ValidID("f3a9c0d1"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID(`x"; drop table contacts; --`))
	assert.False(t, ValidID("a.b"))
}

func TestRelationsNaming(t *testing.T) {
	rel := Relations{Tenant: "acme"}
	assert.Equal(t, `contacts."contacts_acme"`, rel.Contacts())
	assert.Equal(t, `contacts."contact_lists_acme"`, rel.Lists())
	assert.Equal(t, `contacts."contact_send_logs_acme"`, rel.SendLogs())
	assert.Len(t, rel.All(), 7)
}

func TestHashLimitSmallTenant(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := NewDirectory(db, 128, 10000)
	lists := []ListCount{{ListID: "a", Count: 4000}, {ListID: "b", Count: 6000}}
	n, err := d.HashLimit(context.Background(), "acme", lists)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHashLimitLargeTenantUsesStoredValue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT hashlimit FROM contacts.contacts_hashlimit").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"hashlimit"}).AddRow(64))

	d := NewDirectory(db, 128, 10000)
	lists := []ListCount{{ListID: "a", Count: 50000}}
	n, err := d.HashLimit(context.Background(), "acme", lists)
	require.NoError(t, err)
	assert.Equal(t, 64, n)
}

func TestHashLimitDefaultsToCapWhenUnset(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT hashlimit FROM contacts.contacts_hashlimit").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"hashlimit"}))

	d := NewDirectory(db, 128, 10000)
	n, err := d.HashLimit(context.Background(), "acme", nil)
	require.NoError(t, err)
	assert.Equal(t, 128, n)
}

func TestHashLimitClampedToCap(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT hashlimit FROM contacts.contacts_hashlimit").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"hashlimit"}).AddRow(512))

	d := NewDirectory(db, 128, 10000)
	n, err := d.HashLimit(context.Background(), "acme", nil)
	require.NoError(t, err)
	assert.Equal(t, 128, n)
}

func TestHashLimitRejectsBadID(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := NewDirectory(db, 128, 10000)
	_, err = d.HashLimit(context.Background(), "bad id", nil)
	assert.ErrorIs(t, err, ErrBadTenantID)
}

func TestReshardNoOpWhenAtTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT pg_relation_size").
		WillReturnRows(sqlmock.NewRows([]string{"size"}).AddRow(int64(1 << 30)))
	mock.ExpectQuery("SELECT hashlimit FROM contacts.contacts_hashlimit").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"hashlimit"}).AddRow(128))
	mock.ExpectCommit()

	d := NewDirectory(db, 128, 10000)
	require.NoError(t, d.Reshard(context.Background(), "acme"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReshardRaisesAndReindexes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT pg_relation_size").
		WillReturnRows(sqlmock.NewRows([]string{"size"}).AddRow(int64(1 << 32)))
	mock.ExpectQuery("SELECT hashlimit FROM contacts.contacts_hashlimit").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"hashlimit"}).AddRow(1))
	mock.ExpectExec("INSERT INTO contacts.contacts_hashlimit").
		WithArgs("acme", 128).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET lock_timeout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// 7 families x (drop old, rename, create, cluster)
	for i := 0; i < 7; i++ {
		mock.ExpectExec("DROP INDEX IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("ALTER INDEX IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CREATE INDEX").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CLUSTER").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	d := NewDirectory(db, 128, 10000)
	require.NoError(t, d.Reshard(context.Background(), "acme"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReshardSwallowsDeadlock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnError(assertableDeadlock{})
	mock.ExpectRollback()

	d := NewDirectory(db, 128, 10000)
	assert.NoError(t, d.Reshard(context.Background(), "acme"))
}

type assertableDeadlock struct{}

func (assertableDeadlock) Error() string { return "pq: deadlock detected" }
