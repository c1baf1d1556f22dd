package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned by SQLiteSink.Read for unknown locations.
var ErrNotFound = errors.New("payload not found")

// SQLiteSink stores payloads in a single-table SQLite database. written_at
// holds Unix milliseconds.
type SQLiteSink struct {
	db *sql.DB

	now func() time.Time
}

// OpenSQLite opens or creates the database file at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteSink{db: db, now: time.Now}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) createTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS payloads (
		location TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		written_at INTEGER NOT NULL
	);`)
	return err
}

// Close closes the database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// Write upserts the payload for location.
func (s *SQLiteSink) Write(ctx context.Context, location string, data []byte) (err error) {
	defer func() { observe("sqlite", len(data), err) }()

	loc, err := cleanLocation(location)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO payloads (location, data, written_at) VALUES (?, ?, ?)
	ON CONFLICT(location) DO UPDATE SET data = excluded.data, written_at = excluded.written_at`,
		loc, data, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store payload: %w", err)
	}
	return nil
}

// Read returns a stored payload and its write time.
func (s *SQLiteSink) Read(ctx context.Context, location string) ([]byte, time.Time, error) {
	loc, err := cleanLocation(location)
	if err != nil {
		return nil, time.Time{}, err
	}

	var (
		data      []byte
		writtenAt int64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT data, written_at FROM payloads WHERE location = ?`, loc).Scan(&data, &writtenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, loc)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, time.UnixMilli(writtenAt).UTC(), nil
}

// Locations lists stored locations in order.
func (s *SQLiteSink) Locations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT location FROM payloads ORDER BY location`)
	if err != nil {
		return nil, fmt.Errorf("failed to list payloads: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}
