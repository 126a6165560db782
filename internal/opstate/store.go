// Package opstate keeps the few values a device must remember across
// restarts, such as the LED setting and the boot counter, in a small
// SQLite file.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	// Both SQLite drivers are registered; state.driver picks one.
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Namespaces used by the agent.
const (
	NamespaceLED    = "led"
	NamespaceDevice = "device"
)

const schema = `
CREATE TABLE IF NOT EXISTS device_state (
	scope      TEXT NOT NULL,
	name       TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (scope, name)
)`

const (
	selectValue = `SELECT value FROM device_state WHERE scope = ? AND name = ?`

	upsertValue = `
INSERT INTO device_state (scope, name, value, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (scope, name) DO UPDATE
SET value = excluded.value, updated_at = excluded.updated_at`

	// The WHERE guard leaves a non-numeric value alone, in which case
	// RETURNING yields no row.
	incrValue = `
INSERT INTO device_state (scope, name, value, updated_at) VALUES (?, ?, '1', ?)
ON CONFLICT (scope, name) DO UPDATE
SET value = CAST(value AS INTEGER) + 1, updated_at = excluded.updated_at
WHERE value <> '' AND value NOT GLOB '*[^0-9]*'
RETURNING value`
)

// Store is a SQLite-backed table of (namespace, key) to string values.
// It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens or creates the database at path. driver is "sqlite"
// (pure Go) or "sqlite3" (cgo).
func NewStore(driver, path string) (*Store, error) {
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open %s database %s: %w", driver, path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema in %s: %w", path, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Get returns the value stored under namespace/key, or "" when there
// is none.
func (s *Store) Get(namespace, key string) (string, error) {
	var v string
	err := s.db.QueryRow(selectValue, namespace, key).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("read %s/%s: %w", namespace, key, err)
	}
	return v, nil
}

// Set stores value under namespace/key, replacing any previous value.
func (s *Store) Set(namespace, key, value string) error {
	if _, err := s.db.Exec(upsertValue, namespace, key, value, s.stamp()); err != nil {
		return fmt.Errorf("write %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Incr increments the counter at namespace/key and returns its new
// value. A missing counter starts at zero. A stored value that is not
// a non-negative integer is an error and is left untouched.
func (s *Store) Incr(namespace, key string) (int64, error) {
	var raw string
	err := s.db.QueryRow(incrValue, namespace, key, s.stamp()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("increment %s/%s: stored value is not a counter", namespace, key)
	}
	if err != nil {
		return 0, fmt.Errorf("increment %s/%s: %w", namespace, key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("increment %s/%s: %w", namespace, key, err)
	}
	return n, nil
}
