// Package store persists small JSON documents that are rewritten wholesale on
// every mutation. Writes go to a temporary file in the same directory which is
// then renamed over the target, so readers never observe a partial document.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sidecar is one JSON document on disk.
type Sidecar struct {
	path string
	log  *zap.Logger
}

// NewSidecar binds a sidecar to path. The parent directory is created on first save.
func NewSidecar(path string, logger *zap.Logger) *Sidecar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sidecar{
		path: path,
		log:  logger.Named("store").With(zap.String("file", filepath.Base(path))),
	}
}

// Path returns the document location.
func (s *Sidecar) Path() string {
	return s.path
}

// Load decodes the document into v. A missing file leaves v untouched and
// reports found=false.
func (s *Sidecar) Load(v any) (found bool, err error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", s.path, err)
	}
	return true, nil
}

// Save encodes v as indented JSON and atomically replaces the document.
func (s *Sidecar) Save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", s.path, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", s.path, err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename has succeeded.
		if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.log.Warn("Failed to remove temp file", zap.String("temp", tmpName), zap.Error(rmErr))
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	s.log.Debug("Sidecar saved", zap.Int("bytes", len(data)))
	return nil
}
