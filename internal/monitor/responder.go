// internal/monitor/responder.go
package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/warden/internal/journal"
	"github.com/xkilldash9x/warden/internal/quarantine"
	"github.com/xkilldash9x/warden/internal/trust"
)

// Scanner returns the threat for path, or "" when it is clean.
type Scanner interface {
	LocalScan(path string, deep, wantName bool) string
}

// Quarantiner isolates a file.
type Quarantiner interface {
	Add(originalPath, virusName string) (quarantine.Item, error)
}

// Recorder persists remediation records.
type Recorder interface {
	Append(journal.Record) error
}

// ResponderConfig wires a Responder. Journal may be nil.
type ResponderConfig struct {
	Scanner      Scanner
	Quarantine   Quarantiner
	Trust        trust.Checker
	Journal      Recorder
	DeepScan     bool
	EventsBuffer int
}

// recentTTL bounds how long a file verdict stands in for a rescan of a path
// the file handler already quarantined.
const recentTTL = time.Minute

// Responder is the remediation path shared by every monitor. Work on the same
// path is never run concurrently. Overlapping requests of the same kind for
// one path share the outcome of the request already in progress; file and
// process handling of one path queue behind each other.
type Responder struct {
	scanner    Scanner
	quarantine Quarantiner
	trust      trust.Checker
	journal    Recorder
	deep       bool

	calls  singleflight.Group
	locks  pathLocks
	recent recentVerdicts
	events chan Interception
	dropped atomic.Uint64
	logger  *zap.Logger
	now     func() time.Time
}

// NewResponder validates cfg and creates a responder.
func NewResponder(cfg ResponderConfig, logger *zap.Logger) (*Responder, error) {
	if cfg.Scanner == nil {
		return nil, fmt.Errorf("scanner cannot be nil")
	}
	if cfg.Quarantine == nil {
		return nil, fmt.Errorf("quarantine store cannot be nil")
	}
	if cfg.Trust == nil {
		return nil, fmt.Errorf("trust checker cannot be nil")
	}
	if cfg.EventsBuffer <= 0 {
		return nil, fmt.Errorf("events buffer must be positive, got %d", cfg.EventsBuffer)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{
		scanner:    cfg.Scanner,
		quarantine: cfg.Quarantine,
		trust:      cfg.Trust,
		journal:    cfg.Journal,
		deep:       cfg.DeepScan,
		locks:      pathLocks{held: map[string]*pathLock{}},
		recent:     recentVerdicts{byPath: map[string]recentVerdict{}},
		events:     make(chan Interception, cfg.EventsBuffer),
		logger:     logger.Named("responder"),
		now:        time.Now,
	}, nil
}

// Events delivers interceptions. The channel is never closed.
func (r *Responder) Events() <-chan Interception {
	return r.events
}

// Dropped returns how many events were discarded because the channel was full.
func (r *Responder) Dropped() uint64 {
	return r.dropped.Load()
}

// Trusted reports whether path is on the allow-list.
func (r *Responder) Trusted(path string) bool {
	return r.trust.IsTrusted(path)
}

// publish never blocks the calling monitor.
func (r *Responder) publish(ev Interception) {
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	select {
	case r.events <- ev:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("Interception channel full, dropping event.",
			zap.String("path", ev.Path), zap.String("source", ev.Source), zap.Uint64("dropped", n))
	}
}

func (r *Responder) record(rec journal.Record) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Append(rec); err != nil {
		r.logger.Warn("Failed to journal remediation.", zap.String("path", rec.Path), zap.Error(err))
	}
}

// exclusive runs fn for action on path. A call for the same action and path
// already in progress is joined and its result returned. Calls for different
// actions on one path run one after the other.
func (r *Responder) exclusive(action, path string, fn func(key string) bool) bool {
	key := pathKey(path)
	v, _, shared := r.calls.Do(action+":"+key, func() (interface{}, error) {
		unlock := r.locks.lock(key)
		defer unlock()
		return fn(key), nil
	})
	if shared {
		r.logger.Debug("Joined in-progress handling of path.", zap.String("path", path), zap.String("action", action))
	}
	return v.(bool)
}

// HandleFile scans a file reported by the file system monitor and quarantines
// it when malicious. It reports whether a threat was found.
func (r *Responder) HandleFile(path string) bool {
	return r.exclusive("file", path, func(key string) bool {
		if r.trust.IsTrusted(path) {
			return false
		}
		threat := r.scanner.LocalScan(path, r.deep, true)
		if threat == "" {
			return false
		}
		r.logger.Warn("Threat detected on disk.", zap.String("path", path), zap.String("threat", threat))

		_, err := r.quarantine.Add(path, threat)
		ok := err == nil
		if ok {
			r.recent.put(key, threat, r.now())
		} else {
			r.logger.Error("Failed to quarantine file.", zap.String("path", path), zap.Error(err))
		}
		r.record(journal.Record{Source: SourceProcess, Path: path, Threat: threat, Action: journal.ActionQuarantine, Succeeded: ok, Detail: errText(err)})
		r.publish(Interception{Succeeded: ok, Path: path, Source: SourceProcess, Threat: threat})
		return true
	})
}

// HandleProcess scans the executable of a newly created process. A malicious
// image is terminated with kill, then quarantined; if quarantine fails the
// file is renamed with the quarantine extension instead. An image the file
// handler has just quarantined is not rescanned: the process is terminated
// on that verdict. The published event carries the termination result.
func (r *Responder) HandleProcess(exePath string, kill func() error) bool {
	return r.exclusive("process", exePath, func(key string) bool {
		if r.trust.IsTrusted(exePath) {
			return false
		}
		threat, quarantined := r.recent.get(key, r.now())
		if !quarantined {
			threat = r.scanner.LocalScan(exePath, r.deep, true)
		}
		if threat == "" {
			return false
		}
		r.logger.Warn("Malicious process detected.", zap.String("path", exePath), zap.String("threat", threat))

		killErr := kill()
		killed := killErr == nil
		if !killed {
			r.logger.Error("Failed to terminate process.", zap.String("path", exePath), zap.Error(killErr))
		}
		r.record(journal.Record{Source: SourceProcess, Path: exePath, Threat: threat, Action: journal.ActionTerminate, Succeeded: killed, Detail: errText(killErr)})

		if !quarantined {
			if _, err := r.quarantine.Add(exePath, threat); err != nil {
				r.logger.Warn("Quarantine failed, renaming executable.", zap.String("path", exePath), zap.Error(err))
				renameErr := os.Rename(exePath, exePath+quarantine.BlobExtension)
				r.record(journal.Record{Source: SourceProcess, Path: exePath, Threat: threat, Action: journal.ActionRename, Succeeded: renameErr == nil, Detail: errText(renameErr)})
			} else {
				r.record(journal.Record{Source: SourceProcess, Path: exePath, Threat: threat, Action: journal.ActionQuarantine, Succeeded: true})
			}
		}

		r.publish(Interception{Succeeded: killed, Path: exePath, Source: SourceProcess, Threat: threat})
		return true
	})
}

// reportRegistry publishes a detected registry attack before it is reverted.
func (r *Responder) reportRegistry(path, threat string) {
	r.publish(Interception{Succeeded: true, Path: path, Source: SourceRegistry, Threat: threat})
}

func (r *Responder) recordRevert(path, threat string, err error) {
	r.record(journal.Record{Source: SourceRegistry, Path: path, Threat: threat, Action: journal.ActionRevert, Succeeded: err == nil, Detail: errText(err)})
}

// pathKey normalizes a path for per-path serialization.
func pathKey(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return strings.ToLower(filepath.Clean(p))
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// pathLocks hands out one mutex per path key, dropping it when unused.
type pathLocks struct {
	mu   sync.Mutex
	held map[string]*pathLock
}

type pathLock struct {
	sync.Mutex
	refs int
}

func (p *pathLocks) lock(key string) (unlock func()) {
	p.mu.Lock()
	l, ok := p.held[key]
	if !ok {
		l = &pathLock{}
		p.held[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		p.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(p.held, key)
		}
		p.mu.Unlock()
	}
}

// recentVerdicts remembers files the file handler quarantined.
type recentVerdicts struct {
	mu     sync.Mutex
	byPath map[string]recentVerdict
}

type recentVerdict struct {
	threat string
	at     time.Time
}

func (v *recentVerdicts) put(key, threat string, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, e := range v.byPath {
		if now.Sub(e.at) > recentTTL {
			delete(v.byPath, k)
		}
	}
	v.byPath[key] = recentVerdict{threat: threat, at: now}
}

func (v *recentVerdicts) get(key string, now time.Time) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.byPath[key]
	if !ok || now.Sub(e.at) > recentTTL {
		return "", false
	}
	return e.threat, true
}
