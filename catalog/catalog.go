// Package catalog maintains a SQLite index of finalized recording sessions,
// so past sessions can be listed and inspected without walking the data
// directory.
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Zerofisher/bandrec/storage"
)

const schemaVersion = 1

// Entry is one finalized session in the catalog.
type Entry struct {
	SessionID       string           `json:"session_id"`
	StartTime       time.Time        `json:"start_time"`
	EndTime         time.Time        `json:"end_time"`
	DurationSeconds float64          `json:"duration_seconds"`
	TotalSamples    int64            `json:"total_samples"`
	FileSizeBytes   int64            `json:"file_size_bytes"`
	DataPath        string           `json:"data_path"`
	SampleCounts    map[string]int64 `json:"sample_counts,omitempty"`
}

// Catalog is the SQLite-backed session index.
type Catalog struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the catalog database.
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	c := &Catalog{db: db, path: path}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sessions (
			session_id       TEXT PRIMARY KEY,
			start_time       REAL NOT NULL,
			end_time         REAL NOT NULL,
			duration_seconds REAL NOT NULL,
			total_samples    INTEGER NOT NULL,
			file_size_bytes  INTEGER NOT NULL,
			data_path        TEXT NOT NULL,
			sample_counts    TEXT NOT NULL DEFAULT '{}',
			created_at       REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time DESC);
	`)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(`INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', ?)`,
		fmt.Sprint(schemaVersion))
	return err
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Path returns the database file path.
func (c *Catalog) Path() string { return c.path }

// Record inserts (or replaces) a finalized session.
func (c *Catalog) Record(sum *storage.Summary) error {
	counts, err := json.Marshal(sum.SampleCounts)
	if err != nil {
		return fmt.Errorf("marshal sample counts: %w", err)
	}
	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO sessions
			(session_id, start_time, end_time, duration_seconds,
			 total_samples, file_size_bytes, data_path, sample_counts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.SessionID,
		unixSeconds(sum.StartTime),
		unixSeconds(sum.EndTime),
		sum.DurationSeconds,
		sum.TotalSamples,
		sum.FileSizeBytes,
		sum.DataPath,
		string(counts),
		unixSeconds(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("record session %q: %w", sum.SessionID, err)
	}
	return nil
}

// List returns all sessions, newest first.
func (c *Catalog) List() ([]Entry, error) {
	rows, err := c.db.Query(`
		SELECT session_id, start_time, end_time, duration_seconds,
		       total_samples, file_size_bytes, data_path, sample_counts
		FROM sessions
		ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns one session by id, or nil if not found.
func (c *Catalog) Get(sessionID string) (*Entry, error) {
	rows, err := c.db.Query(`
		SELECT session_id, start_time, end_time, duration_seconds,
		       total_samples, file_size_bytes, data_path, sample_counts
		FROM sessions
		WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session %q: %w", sessionID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var start, end float64
	var counts string
	if err := rows.Scan(&e.SessionID, &start, &end, &e.DurationSeconds,
		&e.TotalSamples, &e.FileSizeBytes, &e.DataPath, &counts); err != nil {
		return Entry{}, fmt.Errorf("scan session: %w", err)
	}
	e.StartTime = timeFromUnix(start)
	e.EndTime = timeFromUnix(end)
	if err := json.Unmarshal([]byte(counts), &e.SampleCounts); err != nil {
		e.SampleCounts = nil
	}
	return e, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9))
}
