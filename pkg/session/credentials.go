// Copyright 2024-2026 Aiku AI

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// CredentialStore persists the credential snapshot.
type CredentialStore interface {
	// Load returns nil, nil when no snapshot exists.
	Load() (*Credentials, error)
	Save(creds Credentials) error
	Clear() error
}

// FileStore keeps the snapshot as creds.json inside a session directory,
// which is recreated if it is missing.
type FileStore struct {
	dir string
}

const credsFileName = "creds.json"

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (f *FileStore) path() string {
	return filepath.Join(f.dir, credsFileName)
}

func (f *FileStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(f.path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	var creds Credentials
	if err = json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return &creds, nil
}

// Save overwrites the snapshot atomically.
func (f *FileStore) Save(creds Credentials) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if creds.SavedAt.IsZero() {
		creds.SavedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, credsFileName+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp credentials file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err = os.Rename(tmp.Name(), f.path()); err != nil {
		return fmt.Errorf("failed to replace credentials: %w", err)
	}
	return nil
}

func (f *FileStore) Clear() error {
	err := os.Remove(f.path())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}
