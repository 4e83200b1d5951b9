// Package fieldsync keeps attendance captured on a delivery device safe while
// offline and ships it to the server once connectivity returns.
package fieldsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/routebook/routebook/internal/platform/localdb"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS drafts (
		business_date TEXT NOT NULL,
		area_id       TEXT NOT NULL,
		payload       TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (business_date, area_id)
	)`,
	`CREATE TABLE IF NOT EXISTS area_sequences (
		area_id    TEXT PRIMARY KEY,
		customers  TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS queue (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		business_date TEXT NOT NULL,
		area_id       TEXT NOT NULL,
		payload       TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_failures (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id     TEXT NOT NULL,
		business_date TEXT NOT NULL,
		area_id       TEXT NOT NULL,
		status_code   INTEGER NOT NULL,
		message       TEXT NOT NULL,
		payload       TEXT NOT NULL,
		failed_at     TEXT NOT NULL
	)`,
}

// Store is the device-local database behind drafts, the offline queue and
// the failure log. Every mutating call has committed when it returns.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// StoreOption customises the store.
type StoreOption func(*Store)

// WithStoreClock overrides the time source.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// Open opens or creates the store at path.
func Open(ctx context.Context, path string, opts ...StoreOption) (*Store, error) {
	db, err := localdb.Open(ctx, path, migrations)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
