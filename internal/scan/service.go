// internal/scan/service.go
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/warden/internal/features"
	"github.com/xkilldash9x/warden/internal/heuristic"
)

// StatusFailed is returned by CloudScan when the lookup could not complete.
const StatusFailed = -1

// CloudClient performs a remote lookup keyed by a content hash. A negative
// status signals failure.
type CloudClient interface {
	Lookup(ctx context.Context, sha256 string) (status int, result string)
}

// Extractor is the subset of the feature extractor the service needs.
type Extractor interface {
	Extract(path string) (*features.FeatureSet, error)
}

// Result is the full outcome of a local scan.
type Result struct {
	Path    string
	Kind    features.Kind
	Verdict heuristic.Verdict
	// Encoded is the result string LocalScan would return for this file.
	Encoded string
}

type cloudOutcome struct {
	status int
	result string
}

// Service runs local and cloud scans.
type Service struct {
	extractor Extractor
	cloud     CloudClient
	inflight  singleflight.Group
	sem       *semaphore.Weighted
	logger    *zap.Logger
}

// NewService creates a scan service. cloud may be nil when cloud scanning is disabled.
func NewService(extractor Extractor, cloud CloudClient, maxConcurrent int64, logger *zap.Logger) (*Service, error) {
	if extractor == nil {
		return nil, fmt.Errorf("feature extractor cannot be nil")
	}
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent cloud scans must be positive, got %d", maxConcurrent)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		extractor: extractor,
		cloud:     cloud,
		sem:       semaphore.NewWeighted(maxConcurrent),
		logger:    logger.Named("scan"),
	}, nil
}

// LocalScan scores path and returns "" when it is clean. Malicious files yield
// the threat name when wantName is set and one exists, otherwise "code{score}".
func (s *Service) LocalScan(path string, deep, wantName bool) string {
	res, err := s.ScanFile(path, deep)
	if err != nil {
		s.logger.Debug("Local scan skipped unreadable file.", zap.String("path", path), zap.Error(err))
		return ""
	}
	return Encode(res.Verdict, wantName)
}

// ScanFile extracts and scores path. Only read failures are errors.
func (s *Service) ScanFile(path string, deep bool) (Result, error) {
	fs, err := s.extractor.Extract(path)
	if err != nil {
		return Result{Path: path}, err
	}
	v := heuristic.Evaluate(path, fs, deep)
	res := Result{Path: path, Kind: fs.Kind, Verdict: v, Encoded: Encode(v, false)}
	if v.Malicious() {
		res.Encoded = Encode(v, true)
		s.logger.Info("Local scan flagged file.",
			zap.String("path", path),
			zap.Int("score", v.Score),
			zap.String("threat", v.ThreatName),
			zap.String("tags", v.TagString()))
	}
	return res, nil
}

// Encode renders a verdict in the scan result encoding.
func Encode(v heuristic.Verdict, wantName bool) string {
	if !v.Malicious() {
		return ""
	}
	if wantName && v.ThreatName != "" {
		return v.ThreatName
	}
	return "code" + strconv.Itoa(v.Score)
}

// CloudScan looks up the content hash of path remotely. Concurrent scans of
// identical content share one lookup, and at most maxConcurrent lookups run
// at once. The in-flight entry is forgotten when the lookup finishes, so a
// later call performs a fresh lookup.
//
// The shared lookup is detached from the cancellation of whichever caller
// started it; the cloud client's own timeout bounds it. A caller whose
// context ends returns StatusFailed without affecting the others.
func (s *Service) CloudScan(ctx context.Context, path string) (int, string) {
	if s.cloud == nil {
		return StatusFailed, ""
	}
	sum, err := HashFile(path)
	if err != nil {
		s.logger.Warn("Cloud scan could not hash file.", zap.String("path", path), zap.Error(err))
		return StatusFailed, ""
	}

	ch := s.inflight.DoChan(sum, func() (interface{}, error) {
		return s.lookup(context.WithoutCancel(ctx), sum)
	})
	select {
	case <-ctx.Done():
		return StatusFailed, ""
	case r := <-ch:
		if r.Err != nil {
			s.logger.Debug("Cloud scan did not complete.", zap.String("sha256", sum), zap.Error(r.Err))
			return StatusFailed, ""
		}
		out := r.Val.(cloudOutcome)
		if r.Shared {
			s.logger.Debug("Cloud scan coalesced with in-flight lookup.", zap.String("sha256", sum))
		}
		return out.status, out.result
	}
}

func (s *Service) lookup(ctx context.Context, sum string) (cloudOutcome, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return cloudOutcome{}, fmt.Errorf("waiting for cloud scan slot: %w", err)
	}
	defer s.sem.Release(1)

	status, result := s.cloud.Lookup(ctx, sum)
	return cloudOutcome{status: status, result: result}, nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ErrCloudDisabled is returned by callers that require a cloud client.
var ErrCloudDisabled = errors.New("scan: cloud scanning is disabled")

// CloudEnabled reports whether a cloud client is configured.
func (s *Service) CloudEnabled() bool {
	return s.cloud != nil
}
