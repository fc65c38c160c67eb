package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	selectPortalQuery = `(?s)^SELECT\s+member_id,\s*client_endpoint,\s*access_token,\s*refresh_token,\s*COALESCE\("timestamp",\s*0\)\s+FROM\s+portals\s+WHERE\s+member_id\s*=\s*\$1\s*$`
	upsertPortalQuery = `(?s)^INSERT\s+INTO\s+portals\b.*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5\)\s*ON\s+CONFLICT\s+\(member_id\)\s+DO\s+UPDATE\s+SET\b.*$`
)

func newStoreWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_Get_Found(t *testing.T) {
	store, mock := newStoreWithMock(t)

	rows := sqlmock.NewRows([]string{"member_id", "client_endpoint", "access_token", "refresh_token", "timestamp"}).
		AddRow("m1", "https://example.bitrix24.ru/rest/", "a", "r", int64(1700000000123456))
	mock.ExpectQuery(selectPortalQuery).WithArgs("m1").WillReturnRows(rows)

	got, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.bitrix24.ru/rest/", got.Endpoint)
	assert.Equal(t, "a", got.AccessToken)
	assert.Equal(t, "r", got.RefreshToken)
	assert.Equal(t, int64(1700000000123456), got.UpdatedAt.UnixMicro())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NullTimestamp(t *testing.T) {
	store, mock := newStoreWithMock(t)

	rows := sqlmock.NewRows([]string{"member_id", "client_endpoint", "access_token", "refresh_token", "timestamp"}).
		AddRow("m1", "https://example.bitrix24.ru/rest/", "a", "r", int64(0))
	mock.ExpectQuery(selectPortalQuery).WithArgs("m1").WillReturnRows(rows)

	got, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.IsZero())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery(selectPortalQuery).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_Get_DBError(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery(selectPortalQuery).WithArgs("m1").WillReturnError(errors.New("db down"))

	_, err := store.Get(context.Background(), "m1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Regexp(t, regexp.MustCompile(`db error: .*db down`), err.Error())
}

func TestPostgresStore_Upsert_Success(t *testing.T) {
	store, mock := newStoreWithMock(t)
	rec := validRecord("m1")

	mock.ExpectExec(upsertPortalQuery).
		WithArgs("m1", rec.Endpoint, rec.AccessToken, rec.RefreshToken, rec.UpdatedAt.UnixMicro()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Upsert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert_IncompleteRecordSkipsDatabase(t *testing.T) {
	store, mock := newStoreWithMock(t)
	rec := validRecord("m1")
	rec.RefreshToken = ""

	err := store.Upsert(context.Background(), rec)
	assert.ErrorIs(t, err, ErrIncompleteRecord)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert_DBError(t *testing.T) {
	store, mock := newStoreWithMock(t)
	rec := validRecord("m1")

	mock.ExpectExec(upsertPortalQuery).
		WithArgs("m1", rec.Endpoint, rec.AccessToken, rec.RefreshToken, sqlmock.AnyArg()).
		WillReturnError(errors.New("db down"))

	err := store.Upsert(context.Background(), rec)
	require.Error(t, err)
	assert.Regexp(t, regexp.MustCompile(`error performing sql request: .*db down`), err.Error())
}

func TestRunMigrations(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		if dir != "." {
			return errors.New("unexpected dir")
		}
		return nil
	}
	require.NoError(t, RunMigrations(context.Background(), db))

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	assert.EqualError(t, RunMigrations(context.Background(), db), "boom")
}

func TestOpenPostgresStore_EmptyDSN(t *testing.T) {
	_, err := OpenPostgresStore(context.Background(), "")
	assert.Error(t, err)
}
