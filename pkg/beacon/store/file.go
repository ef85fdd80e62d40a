package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend stores the snapshot as a single JSON file. Writes go to a
// temp file in the same directory, are fsynced, then renamed over the
// target, so a kill at any point leaves a complete file behind.
type FileBackend struct {
	path   string
	mu     sync.Mutex
	closed bool
}

// NewFileBackend creates a file backend at path, creating parent
// directories as needed.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("file backend: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &FileBackend{path: path}, nil
}

// Path returns the snapshot file location.
func (f *FileBackend) Path() string { return f.path }

// Load implements Backend.
func (f *FileBackend) Load() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	return data, nil
}

// Save implements Backend.
func (f *FileBackend) Save(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	dir := filepath.Dir(f.path)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing store data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing temp store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("renaming store file to %s: %w", f.path, err)
	}
	success = true

	// Persist the rename itself. Not every platform supports syncing a
	// directory, so failure here is ignored.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Close implements Backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
