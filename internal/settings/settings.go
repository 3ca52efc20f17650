// Package settings implements the engine's small persistent key/value
// store for runtime-modifiable preferences: a single sqlite table with a
// fixed schema for a handful of predefined keys, plus pass-through storage
// for user-reserved "_"-prefixed keys.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	// Registers the "sqlite3" driver used below.
	_ "github.com/mattn/go-sqlite3"
)

// Predefined setting keys and their semantics.
const (
	KeyMinBattery            = "min_battery"
	KeyAutoDownload          = "auto_download"
	KeyFailuresBeforeWarning = "failures_before_warning"
)

// AutoDownload policy values for the auto_download key.
const (
	AutoDownloadNever  = "0"
	AutoDownloadWiFi   = "1"
	AutoDownloadAlways = "2"
)

var defaults = map[string]string{
	KeyMinBattery:            "0",
	KeyAutoDownload:          AutoDownloadWiFi,
	KeyFailuresBeforeWarning: "3",
}

// ChangeFunc is invoked after a write that actually changed a stored
// value, per the SettingChanged event contract.
type ChangeFunc func(key, value string)

// Store is the settings key/value database.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	onChange ChangeFunc
}

// Open opens (creating if needed) the sqlite-backed settings database at
// path and ensures its schema exists.
func Open(ctx context.Context, path string, onChange ChangeFunc) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening settings database: %w", err)
	}

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("creating settings schema: %w", err)
	}

	return &Store{db: db, onChange: onChange}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored value for key, or its predefined default (empty
// string for unknown/user keys) if unset.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string

	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return defaults[key], nil
	}

	if err != nil {
		return "", fmt.Errorf("reading setting %q: %w", key, err)
	}

	return value, nil
}

// Set validates and stores value for key. Invalid values for predefined
// keys are ignored (not stored, not an error). A write that changes the
// stored value triggers onChange.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if !isUserReserved(key) {
		if !validate(key, value) {
			return nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var previous string

	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&previous)
	hadPrevious := err == nil

	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading setting %q: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO settings(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("writing setting %q: %w", key, err)
	}

	if !hadPrevious || previous != value {
		if s.onChange != nil {
			s.onChange(key, value)
		}
	}

	return nil
}

// Del removes key, reverting Get to its default.
func (s *Store) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting setting %q: %w", key, err)
	}

	return nil
}

// Show returns every explicitly stored key/value pair.
func (s *Store) Show(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}

	defer rows.Close()

	out := map[string]string{}

	for rows.Next() {
		var k, v string

		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}

		out[k] = v
	}

	return out, rows.Err()
}

func isUserReserved(key string) bool {
	return strings.HasPrefix(key, "_")
}

func validate(key, value string) bool {
	switch key {
	case KeyMinBattery:
		n, err := strconv.Atoi(value)

		return err == nil && n >= 0 && n <= 100
	case KeyAutoDownload:
		return value == AutoDownloadNever || value == AutoDownloadWiFi || value == AutoDownloadAlways
	case KeyFailuresBeforeWarning:
		_, err := strconv.Atoi(value)

		return err == nil
	default:
		// Unknown, non-reserved keys are rejected outright.
		return false
	}
}
