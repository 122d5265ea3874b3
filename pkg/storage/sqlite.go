package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrCodeEU/smilecal/pkg/logging"
)

const baselineSchema = `
	CREATE TABLE IF NOT EXISTS baselines (
		key            TEXT PRIMARY KEY,
		width          DOUBLE NOT NULL,
		samples        INTEGER NOT NULL,
		stddev         DOUBLE NOT NULL DEFAULT 0,
		mode           TEXT NOT NULL DEFAULT '',
		session_id     TEXT NOT NULL DEFAULT '',
		calibrated_at  TIMESTAMP NOT NULL,
		metadata       TEXT NOT NULL DEFAULT '{}'
	);
`

// SQLitePath returns the database location inside dataDir.
func SQLitePath(dataDir string) string {
	return filepath.Join(dataDir, "smilecal.db")
}

// SQLiteStorage keeps baselines in a single SQLite table.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(baselineSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logging.Debugf("Opened baseline database: %s", path)
	return &SQLiteStorage{db: db}, nil
}

// SaveBaseline inserts or replaces the baseline for its key.
func (s *SQLiteStorage) SaveBaseline(b Baseline) error {
	if err := ValidateKey(b.Key); err != nil {
		return err
	}

	metadata, err := json.Marshal(b.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO baselines (key, width, samples, stddev, mode, session_id, calibrated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			width = excluded.width,
			samples = excluded.samples,
			stddev = excluded.stddev,
			mode = excluded.mode,
			session_id = excluded.session_id,
			calibrated_at = excluded.calibrated_at,
			metadata = excluded.metadata`,
		b.Key, b.Width, b.Samples, b.StdDev, b.Mode, b.SessionID, b.CalibratedAt.UTC(), string(metadata))
	if err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	return nil
}

// LoadBaseline reads the baseline stored under key.
func (s *SQLiteStorage) LoadBaseline(key string) (*Baseline, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	var (
		b            Baseline
		calibratedAt time.Time
		metadata     string
	)
	err := s.db.QueryRow(`
		SELECT key, width, samples, stddev, mode, session_id, calibrated_at, metadata
		FROM baselines WHERE key = ?`, key).
		Scan(&b.Key, &b.Width, &b.Samples, &b.StdDev, &b.Mode, &b.SessionID, &calibratedAt, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBaselineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}

	b.CalibratedAt = calibratedAt
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &b.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &b, nil
}

// DeleteBaseline removes the baseline stored under key.
func (s *SQLiteStorage) DeleteBaseline(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	res, err := s.db.Exec(`DELETE FROM baselines WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete baseline: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrBaselineNotFound
	}
	return nil
}

// ListBaselines returns the keys of all stored baselines.
func (s *SQLiteStorage) ListBaselines() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM baselines ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list baselines: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
