// Package quarantine isolates malicious files by encrypting them into a
// private directory, and restores them on request.
//
// Each item carries its own AES-256 key and IV, stored base64-encoded in the
// plaintext sidecar next to the blobs. Anyone able to read the quarantine
// directory can therefore decrypt its contents; the encryption only keeps
// quarantined payloads inert and out of reach of other scanners.
package quarantine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/warden/internal/store"
)

const (
	// BlobExtension is appended to every encrypted blob.
	BlobExtension = ".quarantine"

	keySize = 32
)

var (
	// ErrNotFound is returned when no item matches an id.
	ErrNotFound = errors.New("quarantine: item not found")
	// ErrIntegrity is returned when decrypted content does not match the recorded hash.
	ErrIntegrity = errors.New("quarantine: restored content does not match recorded hash")
)

// Item describes one quarantined file.
type Item struct {
	ID             string    `json:"id"`
	OriginalPath   string    `json:"original_path"`
	QuarantinePath string    `json:"quarantine_path"`
	FileName       string    `json:"file_name"`
	QuarantineDate time.Time `json:"quarantine_date"`
	VirusName      string    `json:"virus_name"`
	FileSize       int64     `json:"file_size"`
	FileHash       string    `json:"file_hash"`
	EncryptionKey  string    `json:"encryption_key"`
	IV             string    `json:"iv"`
}

// Store owns the quarantine directory and its sidecar. One mutex serializes
// every list mutation.
type Store struct {
	mu      sync.Mutex
	dir     string
	items   []Item
	sidecar *store.Sidecar
	logger  *zap.Logger
	now     func() time.Time
}

// NewStore creates a store over dir, persisting its item list at dbPath.
func NewStore(dir, dbPath string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:     dir,
		sidecar: store.NewSidecar(dbPath, logger),
		logger:  logger.Named("quarantine"),
		now:     time.Now,
	}
}

// Initialize creates the quarantine directory and loads the item list,
// pruning entries whose blob no longer exists.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create quarantine directory: %w", err)
	}

	var loaded []Item
	if _, err := s.sidecar.Load(&loaded); err != nil {
		return fmt.Errorf("loading quarantine list: %w", err)
	}

	kept := loaded[:0]
	for _, item := range loaded {
		if _, err := os.Stat(item.QuarantinePath); err != nil {
			s.logger.Warn("Pruning quarantine entry without blob",
				zap.String("id", item.ID), zap.String("blob", item.QuarantinePath))
			continue
		}
		kept = append(kept, item)
	}
	pruned := len(loaded) - len(kept)
	s.items = kept

	if pruned > 0 {
		if err := s.persistLocked(); err != nil {
			return err
		}
	}
	s.logger.Debug("Quarantine loaded", zap.Int("items", len(kept)), zap.Int("pruned", pruned))
	return nil
}

// Add encrypts originalPath into the quarantine and removes the original. If
// encryption fails the original is left untouched. Persisting the list and
// deleting the original are best-effort once the blob is written.
func (s *Store) Add(originalPath, virusName string) (Item, error) {
	abs, err := filepath.Abs(originalPath)
	if err != nil {
		return Item{}, fmt.Errorf("resolving %s: %w", originalPath, err)
	}

	key := make([]byte, keySize)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(key); err != nil {
		return Item{}, fmt.Errorf("generating key: %w", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return Item{}, fmt.Errorf("generating iv: %w", err)
	}

	id := uuid.NewString()
	blob := filepath.Join(s.dir, id+BlobExtension)
	size, hash, err := encryptFile(abs, blob, key, iv)
	if err != nil {
		return Item{}, fmt.Errorf("quarantining %s: %w", abs, err)
	}

	item := Item{
		ID:             id,
		OriginalPath:   abs,
		QuarantinePath: blob,
		FileName:       filepath.Base(abs),
		QuarantineDate: s.now().UTC(),
		VirusName:      virusName,
		FileSize:       size,
		FileHash:       hash,
		EncryptionKey:  base64.StdEncoding.EncodeToString(key),
		IV:             base64.StdEncoding.EncodeToString(iv),
	}

	s.mu.Lock()
	s.items = append(s.items, item)
	if err := s.persistLocked(); err != nil {
		s.logger.Warn("Quarantine list not persisted", zap.String("id", id), zap.Error(err))
	}
	s.mu.Unlock()

	if err := os.Remove(abs); err != nil {
		s.logger.Warn("Original file could not be removed after quarantine", zap.String("path", abs), zap.Error(err))
	}
	s.logger.Info("File quarantined",
		zap.String("path", abs),
		zap.String("threat", virusName),
		zap.String("id", id))
	return item, nil
}

// Restore decrypts the item whose blob name contains id back to its original
// location, choosing "name (N).ext" if that path is occupied. It returns the
// path written.
func (s *Store) Restore(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(id)
	if idx < 0 {
		return "", ErrNotFound
	}
	item := s.items[idx]

	key, iv, err := item.secrets()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(item.OriginalPath), 0o755); err != nil {
		return "", fmt.Errorf("recreating %s: %w", filepath.Dir(item.OriginalPath), err)
	}
	target := availablePath(item.OriginalPath)
	if err := decryptFile(item.QuarantinePath, target, key, iv, item.FileHash); err != nil {
		return "", fmt.Errorf("restoring %s: %w", item.ID, err)
	}

	s.items = append(s.items[:idx:idx], s.items[idx+1:]...)
	if err := s.persistLocked(); err != nil {
		s.logger.Warn("Quarantine list not persisted after restore", zap.Error(err))
	}
	if err := os.Remove(item.QuarantinePath); err != nil {
		s.logger.Warn("Blob not removed after restore", zap.String("blob", item.QuarantinePath), zap.Error(err))
	}
	s.logger.Info("File restored", zap.String("id", item.ID), zap.String("path", target))
	return target, nil
}

// Delete permanently removes one item and its blob.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(id)
	if idx < 0 {
		return ErrNotFound
	}
	item := s.items[idx]
	if err := os.Remove(item.QuarantinePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting blob %s: %w", item.QuarantinePath, err)
	}
	s.items = append(s.items[:idx:idx], s.items[idx+1:]...)
	return s.persistLocked()
}

// Clear deletes every blob it can and empties the list.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.items {
		if err := os.Remove(item.QuarantinePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Blob not removed during clear", zap.String("blob", item.QuarantinePath), zap.Error(err))
		}
	}
	s.items = nil
	return s.persistLocked()
}

// Items returns a copy of the current list.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item(nil), s.items...)
}

// findLocked matches id as a substring of the blob file name.
func (s *Store) findLocked(id string) int {
	if strings.TrimSpace(id) == "" {
		return -1
	}
	for i, item := range s.items {
		if strings.Contains(filepath.Base(item.QuarantinePath), id) {
			return i
		}
	}
	return -1
}

func (s *Store) persistLocked() error {
	items := s.items
	if items == nil {
		items = []Item{}
	}
	return s.sidecar.Save(items)
}

func (it Item) secrets() (key, iv []byte, err error) {
	if key, err = base64.StdEncoding.DecodeString(it.EncryptionKey); err != nil || len(key) != keySize {
		return nil, nil, fmt.Errorf("item %s has an invalid key", it.ID)
	}
	if iv, err = base64.StdEncoding.DecodeString(it.IV); err != nil || len(iv) != aes.BlockSize {
		return nil, nil, fmt.Errorf("item %s has an invalid iv", it.ID)
	}
	return key, iv, nil
}

// encryptFile streams src through AES-CTR into a new blob, returning the
// plaintext size and SHA-256. The blob is removed on any failure.
func encryptFile(src, blob string, key, iv []byte) (size int64, hash string, err error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, "", err
	}

	out, err := os.OpenFile(blob, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, "", err
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(blob)
		}
	}()

	h := sha256.New()
	w := &cipher.StreamWriter{S: cipher.NewCTR(block, iv), W: out}
	size, err = io.Copy(w, io.TeeReader(in, h))
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

// decryptFile writes the plaintext of blob to a temp file beside target,
// checks its hash, then renames it into place. The blob is never modified.
func decryptFile(blob, target string, key, iv []byte, wantHash string) (err error) {
	in, err := os.Open(blob)
	if err != nil {
		return err
	}
	defer in.Close()

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".restore-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	r := &cipher.StreamReader{S: cipher.NewCTR(block, iv), R: in}
	if _, err = io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		return err
	}
	if wantHash != "" && !strings.EqualFold(hex.EncodeToString(h.Sum(nil)), wantHash) {
		return ErrIntegrity
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, target)
}

// availablePath returns p, or "name (N).ext" with the smallest free N.
func availablePath(p string) string {
	if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
		return p
	}
	dir, base := filepath.Split(p)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
}
