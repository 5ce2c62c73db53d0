// Package trust maintains the allow-list of files and folders that are never scanned.
package trust

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/warden/internal/store"
)

// ErrNotFound is returned when no item matches an id or path.
var ErrNotFound = errors.New("trust: item not found")

// ItemType distinguishes exact-file trust from folder prefix trust.
type ItemType string

const (
	File   ItemType = "File"
	Folder ItemType = "Folder"
)

// Item is one allow-list entry.
type Item struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Type      ItemType  `json:"type"`
	Name      string    `json:"name"`
	AddedDate time.Time `json:"addedDate"`
	Size      *int64    `json:"size,omitempty"`
	Note      string    `json:"note"`
}

// Checker is the read side consulted before every scan.
type Checker interface {
	IsTrusted(path string) bool
}

// Store is the persisted allow-list. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	items   []Item
	sidecar *store.Sidecar
	logger  *zap.Logger
	now     func() time.Time
}

// NewStore creates a store backed by the JSON document at dbPath.
func NewStore(dbPath string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sidecar: store.NewSidecar(dbPath, logger),
		logger:  logger.Named("trust"),
		now:     time.Now,
	}
}

// Initialize loads the persisted items. A missing document is an empty list.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []Item
	if _, err := s.sidecar.Load(&items); err != nil {
		return fmt.Errorf("loading trust list: %w", err)
	}
	s.items = items
	s.logger.Debug("Trust list loaded", zap.Int("items", len(items)))
	return nil
}

// AddFile trusts one existing file. Adding an already trusted file is a no-op.
func (s *Store) AddFile(path, note string) error {
	abs, info, err := statAbs(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", abs)
	}
	size := info.Size()
	return s.add(Item{Path: abs, Type: File, Size: &size, Note: note})
}

// AddFolder trusts an existing directory and everything beneath it.
func (s *Store) AddFolder(path, note string) error {
	abs, info, err := statAbs(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", abs)
	}
	return s.add(Item{Path: abs, Type: Folder, Note: note})
}

func statAbs(path string) (string, os.FileInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", nil, fmt.Errorf("cannot trust %s: %w", abs, err)
	}
	return abs, info, nil
}

func (s *Store) add(item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalize(item.Path)
	for _, existing := range s.items {
		if existing.Type == item.Type && normalize(existing.Path) == key {
			return nil
		}
	}

	item.ID = uuid.NewString()
	item.Name = filepath.Base(item.Path)
	item.AddedDate = s.now().UTC()
	s.items = append(s.items, item)
	if err := s.persistLocked(); err != nil {
		s.items = s.items[:len(s.items)-1]
		return err
	}
	s.logger.Info("Path trusted", zap.String("path", item.Path), zap.String("type", string(item.Type)))
	return nil
}

// IsTrusted reports whether path is a trusted file or lies beneath a trusted
// folder. Comparison ignores case and treats both slash styles as separators.
func (s *Store) IsTrusted(path string) bool {
	p := normalize(path)
	if p == "" {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		base := normalize(item.Path)
		switch item.Type {
		case File:
			if p == base {
				return true
			}
		case Folder:
			if within(p, base) {
				return true
			}
		}
	}
	return false
}

// Remove deletes the item whose id or path matches.
func (s *Store) Remove(idOrPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalize(idOrPath)
	if abs, err := filepath.Abs(idOrPath); err == nil {
		key = normalize(abs)
	}
	for i, item := range s.items {
		if item.ID == idOrPath || normalize(item.Path) == key {
			prev := s.items
			s.items = append(append([]Item(nil), s.items[:i]...), s.items[i+1:]...)
			if err := s.persistLocked(); err != nil {
				s.items = prev
				return err
			}
			s.logger.Info("Trust removed", zap.String("path", item.Path))
			return nil
		}
	}
	return ErrNotFound
}

// Clear empties the allow-list.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.items
	s.items = nil
	if err := s.persistLocked(); err != nil {
		s.items = prev
		return err
	}
	return nil
}

// Items returns a copy of the allow-list.
func (s *Store) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Item(nil), s.items...)
}

func (s *Store) persistLocked() error {
	items := s.items
	if items == nil {
		items = []Item{}
	}
	if err := s.sidecar.Save(items); err != nil {
		s.logger.Error("Failed to persist trust list", zap.Error(err))
		return err
	}
	return nil
}

// normalize lower-cases p, unifies separators to '/' and drops trailing separators.
func normalize(p string) string {
	p = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(p), `\`, "/"))
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

// within reports whether p equals dir or descends from it on a separator boundary.
func within(p, dir string) bool {
	if p == dir {
		return true
	}
	if strings.HasSuffix(dir, "/") {
		return strings.HasPrefix(p, dir)
	}
	return strings.HasPrefix(p, dir+"/")
}
