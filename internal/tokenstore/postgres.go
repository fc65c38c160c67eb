package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/florianilch/crest/internal/tokenstore/migrations"
)

// DBTX is the subset of database/sql used by PostgresStore.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore keeps records in the portals table.
type PostgresStore struct {
	db     DBTX
	closer func() error
	now    func() time.Time
}

// Compile-time check to ensure PostgresStore implements CredentialStore
var _ CredentialStore = (*PostgresStore)(nil)

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// OpenPostgresStore connects with the pgx driver, applies the embedded
// migrations and returns a store owning the connection.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	s := NewPostgresStore(db)
	s.closer = db.Close
	return s, nil
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// NewPostgresStore constructs a store bound to the given DBTX. The caller keeps
// ownership of db; Close is a no-op unless the store was opened by OpenPostgresStore.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Get returns the portal row for memberID, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, memberID string) (Record, error) {
	query := `
		SELECT member_id, client_endpoint, access_token, refresh_token, COALESCE("timestamp", 0)
		FROM portals
		WHERE member_id = $1
	`
	var rec Record
	var ts int64
	err := s.db.QueryRowContext(ctx, query, memberID).
		Scan(&rec.MemberID, &rec.Endpoint, &rec.AccessToken, &rec.RefreshToken, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("db error: %w", err)
	}
	rec.UpdatedAt = fromUnixMicro(ts)
	return rec, nil
}

// Upsert inserts the row or replaces the existing one for the same member id.
func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = rec.stamped(s.now())

	query := `
		INSERT INTO portals (member_id, client_endpoint, access_token, refresh_token, "timestamp")
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (member_id) DO UPDATE SET
			client_endpoint = EXCLUDED.client_endpoint,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			"timestamp" = EXCLUDED."timestamp"
	`
	if _, err := s.db.ExecContext(ctx, query,
		rec.MemberID, rec.Endpoint, rec.AccessToken, rec.RefreshToken, rec.UpdatedAt.UnixMicro(),
	); err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

// Close closes the connection if the store owns it.
func (s *PostgresStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
