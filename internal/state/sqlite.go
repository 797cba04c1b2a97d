// Package state persists settings, the alert ledger and a warm-start cache
// of job records in SQLite.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gallerydl/gdlsync/internal/job"
)

// DB is a SQLite-backed store for everything gdlsync keeps across restarts.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &DB{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *DB) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS alerted (
			seq INTEGER PRIMARY KEY,
			id  TEXT NOT NULL UNIQUE
		);
		CREATE TABLE IF NOT EXISTS jobs (
			id             TEXT PRIMARY KEY,
			status         TEXT NOT NULL,
			urls           TEXT NOT NULL DEFAULT '[]',
			label          TEXT NOT NULL DEFAULT '',
			post_title     TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			requested_at   DATETIME,
			started_at     DATETIME,
			finished_at    DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_requested_at ON jobs(requested_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// Setting returns the stored value for key.
func (s *DB) Setting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, true, nil
}

// SetSetting stores value under key.
func (s *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// LoadAlerted returns the alert ledger, oldest first.
func (s *DB) LoadAlerted(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM alerted ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query alerted: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan alerted id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerted: %w", err)
	}
	return ids, nil
}

// SaveAlerted replaces the alert ledger with ids.
func (s *DB) SaveAlerted(ctx context.Context, ids []string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM alerted`); err != nil {
			return fmt.Errorf("clear alerted: %w", err)
		}
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO alerted (seq, id) VALUES (?, ?)`, i, id); err != nil {
				return fmt.Errorf("insert alerted %s: %w", id, err)
			}
		}
		return nil
	})
}

// SaveRecords replaces the cached job records. Optimistic local records are
// not cached.
func (s *DB) SaveRecords(ctx context.Context, recs []job.Record) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
			return fmt.Errorf("clear jobs: %w", err)
		}
		for _, r := range recs {
			if r.Local {
				continue
			}
			urls, err := json.Marshal(r.URLs)
			if err != nil {
				return fmt.Errorf("encode urls for job %s: %w", r.ID, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO jobs
					(id, status, urls, label, post_title, failure_reason, requested_at, started_at, finished_at)
				VALUES
					(?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				r.ID,
				r.Status,
				string(urls),
				r.Label,
				r.Title,
				r.FailureReason,
				nullableTime(r.RequestedAt),
				nullableTime(r.StartedAt),
				nullableTime(r.FinishedAt),
			)
			if err != nil {
				return fmt.Errorf("insert job %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// LoadRecords returns the cached job records, most recently requested first.
func (s *DB) LoadRecords(ctx context.Context) ([]job.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, urls, label, post_title, failure_reason, requested_at, started_at, finished_at
		FROM jobs
		ORDER BY requested_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var recs []job.Record
	for rows.Next() {
		var r job.Record
		var urls string
		var requestedAt, startedAt, finishedAt sql.NullTime
		if err := rows.Scan(
			&r.ID, &r.Status, &urls, &r.Label, &r.Title, &r.FailureReason,
			&requestedAt, &startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal([]byte(urls), &r.URLs); err != nil {
			return nil, fmt.Errorf("decode urls for job %s: %w", r.ID, err)
		}
		r.RequestedAt = timePtr(requestedAt)
		r.StartedAt = timePtr(startedAt)
		r.FinishedAt = timePtr(finishedAt)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return recs, nil
}

func (s *DB) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
