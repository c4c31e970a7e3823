package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	statePending = "pending"
	stateDone    = "done"
)

// SQLiteOptions configures a SQLiteStore.
type SQLiteOptions struct {
	Path  string
	Lease time.Duration // lifetime of a pending claim
	TTL   time.Duration // retention of handled IDs
}

// SQLiteStore keeps claims in a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	lease  time.Duration
	ttl    time.Duration
	logger logrus.FieldLogger
	now    func() time.Time

	mu        sync.Mutex
	lastPrune time.Time
}

// OpenSQLite opens (creating if needed) the database and drops expired rows.
func OpenSQLite(ctx context.Context, opts SQLiteOptions, logger logrus.FieldLogger) (*SQLiteStore, error) {
	if opts.Path != ":memory:" {
		dir := filepath.Dir(opts.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}

	db, err := sql.Open("sqlite", opts.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, lease: opts.Lease, ttl: opts.TTL, logger: logger, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	if _, err := s.Prune(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	DROP TABLE IF EXISTS processed_events;
	CREATE TABLE IF NOT EXISTS event_claims (
		id         TEXT PRIMARY KEY,
		state      TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_event_claims_expires ON event_claims(expires_at);
	`)
	return err
}

// Claim inserts a pending row for id, or takes over a row that has expired.
func (s *SQLiteStore) Claim(ctx context.Context, id string) (Status, error) {
	s.maybePrune(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", id, err)
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO event_claims (id, state, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, expires_at = excluded.expires_at
		 WHERE event_claims.expires_at <= ?`,
		id, statePending, now.Add(s.lease).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", id, err)
	}

	status := Claimed
	if n == 0 {
		var state string
		if err := tx.QueryRowContext(ctx, `SELECT state FROM event_claims WHERE id = ?`, id).Scan(&state); err != nil {
			return 0, fmt.Errorf("claim %s: %w", id, err)
		}
		status = InProgress
		if state == stateDone {
			status = Done
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("claim %s: %w", id, err)
	}
	return status, nil
}

// Complete marks id done until the retention window passes.
func (s *SQLiteStore) Complete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_claims (id, state, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, expires_at = excluded.expires_at`,
		id, stateDone, s.now().Add(s.ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Release(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_claims WHERE id = ? AND state = ?`, id, statePending); err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// Prune deletes expired rows and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context) (int64, error) {
	s.mu.Lock()
	s.lastPrune = s.now()
	s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM event_claims WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune event claims: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.WithField("removed", n).Debug("pruned event claims")
	}
	return n, nil
}

func (s *SQLiteStore) maybePrune(ctx context.Context) {
	s.mu.Lock()
	due := s.now().Sub(s.lastPrune) > s.ttl/4
	s.mu.Unlock()
	if !due {
		return
	}
	if _, err := s.Prune(ctx); err != nil {
		s.logger.WithError(err).Warn("prune failed")
	}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
