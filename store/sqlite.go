package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is a persistent Store backed by SQLite.
//
// The pool is pinned to one connection: every transaction owns the database
// while it runs, and in-memory databases survive for the life of the store.
// SQLITE_BUSY from other processes sharing the file is retried.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// initialises the schema. Use ":memory:" for an in-memory SQLite database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("weekcount/store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{`PRAGMA busy_timeout = 5000`}
	if !isMemoryDSN(dsn) {
		pragmas = append(pragmas, `PRAGMA journal_mode = WAL`, `PRAGMA synchronous = NORMAL`)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("weekcount/store: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS weekcount_counter (
			id             INTEGER PRIMARY KEY CHECK (id = 1),
			count          INTEGER NOT NULL DEFAULT 0,
			last_increment INTEGER
		);
		CREATE TABLE IF NOT EXISTS weekcount_visits (
			identity   TEXT PRIMARY KEY,
			visited_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("weekcount/store: create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// Get returns the current counter record.
func (s *SQLiteStore) Get(ctx context.Context) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT count, last_increment FROM weekcount_counter WHERE id = 1`,
	))
	if err != nil {
		return Record{}, storageErr("get", err)
	}
	return r, nil
}

// Increment atomically adds one to the counter inside a transaction.
func (s *SQLiteStore) Increment(ctx context.Context, at time.Time) (Record, error) {
	r, err := RetryOnConflict(ctx, isBusy, func() (Record, error) {
		return s.increment(ctx, at)
	})
	if err != nil {
		return Record{}, storageErr("increment", err)
	}
	return r, nil
}

func (s *SQLiteStore) increment(ctx context.Context, at time.Time) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()

	r, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT count, last_increment FROM weekcount_counter WHERE id = 1`,
	))
	if err != nil {
		return Record{}, err
	}

	r = r.Next(at)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO weekcount_counter (id, count, last_increment) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET count = excluded.count, last_increment = excluded.last_increment`,
		int64(r.Count), nullUnixNano(r.LastIncrement),
	)
	if err != nil {
		return Record{}, err
	}

	return r, tx.Commit()
}

// LastVisit returns the last visit time recorded for identity.
func (s *SQLiteStore) LastVisit(ctx context.Context, identity string) (time.Time, bool, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx,
		`SELECT visited_at FROM weekcount_visits WHERE identity = ?`, identity,
	).Scan(&ns)

	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storageErr("last visit", err)
	}
	return time.Unix(0, ns).UTC(), true, nil
}

// MarkVisit records the visit time for identity.
func (s *SQLiteStore) MarkVisit(ctx context.Context, identity string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO weekcount_visits (identity, visited_at) VALUES (?, ?)
		ON CONFLICT (identity) DO UPDATE SET visited_at = excluded.visited_at`,
		identity, at.UnixNano(),
	)
	return storageErr("mark visit", err)
}

// PruneVisits removes visit markers older than before.
func (s *SQLiteStore) PruneVisits(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM weekcount_visits WHERE visited_at < ?`, before.UnixNano(),
	)
	if err != nil {
		return 0, storageErr("prune visits", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("prune visits", err)
	}
	return n, nil
}

// Reset removes the counter record.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM weekcount_counter WHERE id = 1`)
	return storageErr("reset", err)
}

// Flush checkpoints the write-ahead log into the main database file.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return storageErr("flush", err)
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanRecord(row *sql.Row) (Record, error) {
	var count int64
	var last sql.NullInt64

	err := row.Scan(&count, &last)
	if err == sql.ErrNoRows {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, err
	}
	if count < 0 {
		return Record{}, serializationErr("scan record", fmt.Errorf("negative count %d", count))
	}

	r := Record{Count: uint64(count)}
	if last.Valid {
		r.LastIncrement = time.Unix(0, last.Int64).UTC()
	}
	return r, nil
}

func nullUnixNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
