// internal/features/extract.go
package features

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxContent bounds how much of a file is held in memory for content search.
const DefaultMaxContent = 64 << 20

// RevocationChecker reports whether a certificate has been revoked.
type RevocationChecker interface {
	IsRevoked(cert *x509.Certificate) bool
}

// Extractor produces FeatureSets from files.
type Extractor struct {
	logger     *zap.Logger
	maxContent int64
	roots      *x509.CertPool
	revocation RevocationChecker
	now        func() time.Time
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxContent bounds the bytes retained for content search.
func WithMaxContent(n int64) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxContent = n
		}
	}
}

// WithRoots replaces the system root pool used to build signing chains.
func WithRoots(pool *x509.CertPool) Option {
	return func(e *Extractor) { e.roots = pool }
}

// WithRevocationChecker installs a revocation source. Without one nothing is revoked.
func WithRevocationChecker(rc RevocationChecker) Option {
	return func(e *Extractor) { e.revocation = rc }
}

// WithClock overrides the time used for certificate validity.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// NewExtractor creates an extractor. A nil logger is replaced by a no-op logger.
func NewExtractor(logger *zap.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Extractor{
		logger:     logger.Named("features"),
		maxContent: DefaultMaxContent,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract reads path once and returns its features. Only failure to read the
// file is an error; unparseable content yields a set with no binary structure.
func (e *Extractor) Extract(path string) (*FeatureSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	raw, err := io.ReadAll(io.LimitReader(f, e.maxContent))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	fs := e.base(path, raw, info.Size())
	fs.Hidden = isHidden(path)
	if fs.Kind == KindBinary {
		e.parseBinary(fs, f)
	}
	return fs, nil
}

// ExtractBytes builds features from content already in memory.
func (e *Extractor) ExtractBytes(path string, data []byte) *FeatureSet {
	fs := e.base(path, data, int64(len(data)))
	if fs.Kind == KindBinary {
		e.parseBinary(fs, bytes.NewReader(data))
	}
	return fs
}

func (e *Extractor) base(path string, raw []byte, size int64) *FeatureSet {
	fs := &FeatureSet{
		Path:                 path,
		Extension:            strings.ToLower(filepath.Ext(path)),
		FileSize:             size,
		Raw:                  raw,
		EntryPointFileOffset: -1,
	}
	if IsBinary(raw) {
		fs.Kind = KindBinary
	} else {
		fs.Kind, fs.Script = Classify(path)
	}
	return fs
}
