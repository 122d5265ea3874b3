package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrCodeEU/smilecal/pkg/logging"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32
)

// FileStorage stores one JSON file per baseline, optionally sealed with
// NaCl secretbox.
type FileStorage struct {
	dataDir           string
	encryptionEnabled bool
	encryptionKey     [KeySize]byte
}

// NewFileStorage creates a new FileStorage instance.
func NewFileStorage(dataDir string, encryptionEnabled bool) (*FileStorage, error) {
	fs := &FileStorage{
		dataDir:           dataDir,
		encryptionEnabled: encryptionEnabled,
	}

	if encryptionEnabled {
		fs.encryptionKey = deriveKey()
	}

	if err := os.MkdirAll(fs.baselineDir(), 0700); err != nil {
		return nil, fmt.Errorf("failed to create baselines directory: %w", err)
	}

	return fs, nil
}

// deriveKey derives an encryption key from machine-specific information.
// This ties the encrypted data to this specific machine and user.
func deriveKey() [KeySize]byte {
	var identity strings.Builder

	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}
	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}
	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("smilecal-v1-salt")

	return sha256.Sum256([]byte(identity.String()))
}

func (fs *FileStorage) baselineDir() string {
	return filepath.Join(fs.dataDir, "baselines")
}

func (fs *FileStorage) path(key string) string {
	ext := ".json"
	if fs.encryptionEnabled {
		ext = ".enc"
	}
	return filepath.Join(fs.baselineDir(), key+ext)
}

// SaveBaseline writes a baseline, replacing any previous one for its key.
// The file is written to a temp name and renamed so a reader never sees a
// partial record.
func (fs *FileStorage) SaveBaseline(b Baseline) error {
	if err := ValidateKey(b.Key); err != nil {
		return err
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}

	if fs.encryptionEnabled {
		data, err = fs.encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt baseline: %w", err)
		}
	}

	path := fs.path(b.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write baseline: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write baseline: %w", err)
	}

	logging.Debugf("Saved baseline %s (width %.4f)", b.Key, b.Width)
	return nil
}

// LoadBaseline reads the baseline stored under key.
func (fs *FileStorage) LoadBaseline(key string) (*Baseline, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fs.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBaselineNotFound
		}
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}

	if fs.encryptionEnabled {
		data, err = fs.decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt baseline: %w", err)
		}
	}

	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline: %w", err)
	}

	return &b, nil
}

// DeleteBaseline removes the baseline stored under key.
func (fs *FileStorage) DeleteBaseline(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	if err := os.Remove(fs.path(key)); err != nil {
		if os.IsNotExist(err) {
			return ErrBaselineNotFound
		}
		return fmt.Errorf("failed to delete baseline: %w", err)
	}

	logging.Infof("Deleted baseline %s", key)
	return nil
}

// ListBaselines returns the keys of all stored baselines.
func (fs *FileStorage) ListBaselines() ([]string, error) {
	entries, err := os.ReadDir(fs.baselineDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list baselines: %w", err)
	}

	keys := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if strings.HasSuffix(name, ".json") {
			keys = append(keys, strings.TrimSuffix(name, ".json"))
		} else if strings.HasSuffix(name, ".enc") {
			keys = append(keys, strings.TrimSuffix(name, ".enc"))
		}
	}

	return keys, nil
}

// Close is a no-op for file storage.
func (fs *FileStorage) Close() error {
	return nil
}

// encrypt encrypts data using NaCl secretbox.
func (fs *FileStorage) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, &fs.encryptionKey), nil
}

// decrypt decrypts data using NaCl secretbox.
func (fs *FileStorage) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &fs.encryptionKey)
	if !ok {
		return nil, ErrEncryption
	}

	return plaintext, nil
}
