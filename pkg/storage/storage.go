// Package storage persists calibrated baselines across sessions.
// Baselines are keyed by an opaque name chosen by the host application.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Backend names.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Baseline is a persisted calibration result.
type Baseline struct {
	Key          string            `json:"key"`
	Width        float64           `json:"width"`
	Samples      int               `json:"samples"`
	StdDev       float64           `json:"stddev"`
	Mode         string            `json:"mode"`
	SessionID    string            `json:"session_id"`
	CalibratedAt time.Time         `json:"calibrated_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store reads and writes baselines.
type Store interface {
	SaveBaseline(b Baseline) error
	LoadBaseline(key string) (*Baseline, error)
	DeleteBaseline(key string) error
	ListBaselines() ([]string, error)
	Close() error
}

// ErrBaselineNotFound is returned when no baseline exists for a key.
var ErrBaselineNotFound = errors.New("baseline not found")

// ErrInvalidKey is returned for keys that are empty or contain path elements.
var ErrInvalidKey = errors.New("invalid baseline key")

// ErrEncryption is returned when encryption/decryption fails.
var ErrEncryption = errors.New("encryption error")

// ValidateKey checks that a key can be used as a record name.
func ValidateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Open creates a store for the named backend rooted at dataDir.
// Encryption applies to the file backend only.
func Open(backend, dataDir string, encryption bool) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStorage(dataDir, encryption)
	case BackendSQLite:
		return NewSQLiteStorage(SQLitePath(dataDir))
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
}
