package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/backkem/btmesh/pkg/mesh"
)

// FileStorage keeps the configuration region in a single file of
// PayloadSize bytes, standing in for a flash page. A store erases the
// region by writing a fresh file and renaming it over the old one.
type FileStorage struct {
	mu   sync.Mutex
	path string
}

// NewFileStorage returns a FileStorage at path. The file is created on the
// first Store.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Path returns the backing file.
func (f *FileStorage) Path() string { return f.path }

// Exists reports whether a configuration was ever stored.
func (f *FileStorage) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Store implements Storage.
func (f *FileStorage) Store(ctx context.Context, p *Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("%w: %v", mesh.ErrStorage, err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, p[:], 0o600); err != nil {
		return fmt.Errorf("%w: %v", mesh.ErrStorage, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("%w: %v", mesh.ErrStorage, err)
	}
	return nil
}

// Retrieve implements Storage.
func (f *FileStorage) Retrieve(ctx context.Context) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mesh.ErrStorage, err)
	}
	if len(raw) != PayloadSize {
		return nil, fmt.Errorf("%w: region is %d bytes", mesh.ErrStorage, len(raw))
	}
	p := &Payload{}
	copy(p[:], raw)
	return p, nil
}

var _ Storage = (*FileStorage)(nil)
