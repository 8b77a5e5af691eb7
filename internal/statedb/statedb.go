package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database holding the window registry and a journal
// of window events. Several myscreen processes may open it at once; WAL mode
// plus a busy timeout serialize their writes.
type StateDB struct {
	db  *sql.DB
	pid int
}

// WindowRow represents a window row in the database.
type WindowRow struct {
	Name      string
	Device    string
	Socket    string
	PID       int
	Order     int
	CreatedAt time.Time
}

// EventRow is one journaled window event.
type EventRow struct {
	ID        int64
	Window    string
	PID       int
	Event     string
	DriverPID int
	At        time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB (used by tests).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS windows (
			name        TEXT PRIMARY KEY,
			device      TEXT NOT NULL,
			socket      TEXT NOT NULL,
			pid         INTEGER NOT NULL,
			sort_order  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create windows: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS window_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			window      TEXT NOT NULL,
			pid         INTEGER NOT NULL,
			event       TEXT NOT NULL,
			driver_pid  INTEGER NOT NULL,
			at          INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create window_events: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// IsEmpty returns true if the windows table has no rows.
func (s *StateDB) IsEmpty() (bool, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM windows").Scan(&count)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// --- Windows ---

// SaveWindows makes the windows table match rows in a single transaction.
// Rows not in the list are deleted; created_at of surviving windows is kept.
func (s *StateDB) SaveWindows(rows []*WindowRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if len(rows) == 0 {
		if _, err := tx.Exec("DELETE FROM windows"); err != nil {
			return err
		}
	} else {
		placeholders := make([]string, len(rows))
		args := make([]any, len(rows))
		for i, r := range rows {
			placeholders[i] = "?"
			args[i] = r.Name
		}
		query := "DELETE FROM windows WHERE name NOT IN (" + strings.Join(placeholders, ",") + ")"
		if _, err := tx.Exec(query, args...); err != nil {
			return err
		}
	}

	stmt, err := tx.Prepare(`
		INSERT INTO windows (name, device, socket, pid, sort_order, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			device = excluded.device,
			socket = excluded.socket,
			pid = excluded.pid,
			sort_order = excluded.sort_order
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range rows {
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.Exec(r.Name, r.Device, r.Socket, r.PID, r.Order, created.Unix()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadWindows returns all windows ordered by sort_order.
func (s *StateDB) LoadWindows() ([]*WindowRow, error) {
	rows, err := s.db.Query(`
		SELECT name, device, socket, pid, sort_order, created_at
		FROM windows ORDER BY sort_order
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*WindowRow
	for rows.Next() {
		r := &WindowRow{}
		var createdUnix int64
		if err := rows.Scan(&r.Name, &r.Device, &r.Socket, &r.PID, &r.Order, &createdUnix); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdUnix, 0)
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- Event journal ---

// RecordEvent appends an event for window name (task pid) to the journal.
func (s *StateDB) RecordEvent(name string, pid int, event string) error {
	_, err := s.db.Exec(`
		INSERT INTO window_events (window, pid, event, driver_pid, at)
		VALUES (?, ?, ?, ?, ?)
	`, name, pid, event, s.pid, time.Now().UnixNano())
	return err
}

// LoadEvents returns the journal for window name, oldest first. An empty
// name returns every window's events. limit <= 0 means no limit.
func (s *StateDB) LoadEvents(name string, limit int) ([]*EventRow, error) {
	query := "SELECT id, window, pid, event, driver_pid, at FROM window_events"
	var args []any
	if name != "" {
		query += " WHERE window = ?"
		args = append(args, name)
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*EventRow
	for rows.Next() {
		e := &EventRow{}
		var at int64
		if err := rows.Scan(&e.ID, &e.Window, &e.PID, &e.Event, &e.DriverPID, &at); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		result = append(result, e)
	}
	return result, rows.Err()
}

// PruneEvents deletes journal entries older than maxAge.
func (s *StateDB) PruneEvents(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	res, err := s.db.Exec("DELETE FROM window_events WHERE at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
