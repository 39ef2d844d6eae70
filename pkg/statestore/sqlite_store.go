package statestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a single SQLite database. Conditional
// writes are serialized through immediate transactions, which gives the
// compare-and-swap semantics the rest of the system builds on.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  SQLiteConfig
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db

	if err := s.migrate(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate runs the embedded schema migrations.
func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Get returns the live record for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	query := `
		SELECT key, value, version, expires_at, created_at, updated_at
		FROM records
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)
	`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, key, time.Now().UnixNano()))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", key, err)
	}

	return rec, nil
}

// Put replaces the value of an existing live record, preserving its TTL.
func (s *SQLiteStore) Put(ctx context.Context, key string, value json.RawMessage, expectedVersion int64) (*Record, error) {
	return s.put(ctx, key, value, expectedVersion, -1)
}

// PutTTL replaces the value and resets the TTL.
func (s *SQLiteStore) PutTTL(ctx context.Context, key string, value json.RawMessage, expectedVersion int64, ttl time.Duration) (*Record, error) {
	return s.put(ctx, key, value, expectedVersion, ttl)
}

// put performs the compare-and-swap write inside an immediate transaction.
// ttl < 0 preserves the current deadline, ttl == 0 clears it, ttl > 0 sets
// a fresh one.
func (s *SQLiteStore) put(ctx context.Context, key string, value json.RawMessage, expectedVersion int64, ttl time.Duration) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()

	query := `
		SELECT key, value, version, expires_at, created_at, updated_at
		FROM records WHERE key = ?
	`
	rec, err := scanRecord(tx.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", key, err)
	}
	if rec.Expired(now) {
		return nil, ErrNotFound
	}
	if rec.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	expiresAt := rec.ExpiresAt
	switch {
	case ttl > 0:
		deadline := now.Add(ttl)
		expiresAt = &deadline
	case ttl == 0:
		expiresAt = nil
	}

	update := `
		UPDATE records
		SET value = ?, version = version + 1, expires_at = ?, updated_at = ?
		WHERE key = ? AND version = ?
	`
	result, err := tx.ExecContext(ctx, update,
		[]byte(value), nanosOrNil(expiresAt), now.UnixNano(), key, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update record %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Row changed between the read and the write inside our own
		// immediate transaction should not happen, but report it as the
		// conflict it is.
		return nil, ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit record %s: %w", key, err)
	}

	rec.Value = append(json.RawMessage(nil), value...)
	rec.Version = expectedVersion + 1
	rec.ExpiresAt = expiresAt
	rec.UpdatedAt = now
	return rec, nil
}

// ConditionalCreate creates a record only if the key is free. An expired
// record still occupying the row is deleted and replaced atomically.
func (s *SQLiteStore) ConditionalCreate(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	version := int64(1)

	existing, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT key, value, version, expires_at, created_at, updated_at FROM records WHERE key = ?`, key))
	switch {
	case err == sql.ErrNoRows:
		// Key is free.
	case err != nil:
		return nil, fmt.Errorf("failed to read record %s: %w", key, err)
	case !existing.Expired(now):
		return nil, ErrAlreadyExists
	default:
		// Continue the version sequence so a stale holder's compare-and-delete
		// cannot match the reclaimed record.
		version = existing.Version + 1
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
			return nil, fmt.Errorf("failed to reclaim expired record %s: %w", key, err)
		}
	}

	rec := &Record{
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		Version:   version,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ttl > 0 {
		deadline := now.Add(ttl)
		rec.ExpiresAt = &deadline
	}

	insert := `
		INSERT INTO records (key, value, version, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insert,
		key, []byte(value), rec.Version, nanosOrNil(rec.ExpiresAt), now.UnixNano(), now.UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to create record %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit record %s: %w", key, err)
	}

	return rec, nil
}

// CompareAndDelete removes the record when the version matches. Works on
// expired records too.
func (s *SQLiteStore) CompareAndDelete(ctx context.Context, key string, expectedVersion int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE key = ? AND version = ?`, key, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM records WHERE key = ?`, key).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check record %s: %w", key, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrVersionConflict
}

// List returns live records under prefix, ordered by key.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]*Record, error) {
	query := `
		SELECT key, value, version, expires_at, created_at, updated_at
		FROM records
		WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key ASC
	`

	rows, err := s.db.QueryContext(ctx, query, escapeLike(prefix)+"%", time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// PurgeExpired deletes all expired records.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired records: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec       Record
		value     []byte
		expiresAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)

	if err := row.Scan(&rec.Key, &value, &rec.Version, &expiresAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	rec.Value = json.RawMessage(value)
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64)
		rec.ExpiresAt = &t
	}

	return &rec, nil
}

func nanosOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
