// internal/monitor/filesystem.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/warden/internal/config"
	"github.com/xkilldash9x/warden/internal/platform"
	"github.com/xkilldash9x/warden/internal/quarantine"
)

// fileWorkers bounds concurrent handling of distinct file events.
const fileWorkers = 8

// restorePrefix marks the quarantine store's in-progress restore files.
const restorePrefix = ".restore-"

// FilesystemMonitor watches directory trees and scans files as they are
// created, written or renamed.
type FilesystemMonitor struct {
	*lifecycle

	responder *Responder
	roots     []string
	exclude   []string
	tempDirs  []string
	limiter   *rate.Limiter
	logger    *zap.Logger

	drives func() ([]string, error)
}

// NewFilesystemMonitor creates a file system monitor. With no configured
// roots every logical drive is watched. excludeDirs are never watched, which
// callers use to keep the data directory out of scope. Pseudo file systems
// such as /proc are always excluded.
func NewFilesystemMonitor(cfg config.MonitorConfig, responder *Responder, logger *zap.Logger, excludeDirs ...string) (*FilesystemMonitor, error) {
	if responder == nil {
		return nil, fmt.Errorf("responder cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("fs-monitor")

	limit := rate.Inf
	if cfg.Filesystem.EventsPerSecond > 0 {
		limit = rate.Limit(cfg.Filesystem.EventsPerSecond)
	}
	burst := cfg.Filesystem.Burst
	if burst <= 0 {
		burst = 1
	}

	var exclude []string
	skipped := append(append([]string(nil), cfg.Filesystem.ExcludeDirs...), excludeDirs...)
	for _, d := range append(skipped, platform.PseudoFilesystems()...) {
		if d != "" {
			exclude = append(exclude, pathKey(d))
		}
	}

	return &FilesystemMonitor{
		lifecycle: newLifecycle("filesystem", cfg.StopTimeout, log),
		responder: responder,
		roots:     cfg.Filesystem.Roots,
		exclude:   exclude,
		tempDirs:  []string{pathKey(os.TempDir())},
		limiter:   rate.NewLimiter(limit, burst),
		logger:    log,
		drives:    platform.LogicalDrives,
	}, nil
}

// Name implements Monitor.
func (m *FilesystemMonitor) Name() string { return "filesystem" }

// Enabled implements Monitor.
func (m *FilesystemMonitor) Enabled() bool { return m.running() }

// Disable implements Monitor.
func (m *FilesystemMonitor) Disable() error { return m.stop() }

// Enable registers watches under every root and starts the event loop.
func (m *FilesystemMonitor) Enable(ctx context.Context) error {
	return m.start(ctx, func() (func(context.Context), error) {
		roots := m.roots
		if len(roots) == 0 {
			drives, err := m.drives()
			if err != nil {
				return nil, fmt.Errorf("enumerating logical drives: %w", err)
			}
			roots = drives
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("creating file system watcher: %w", err)
		}
		watched := 0
		for _, root := range roots {
			watched += m.watchTree(w, root)
		}
		if watched == 0 {
			_ = w.Close()
			return nil, fmt.Errorf("no watchable directories under %v", roots)
		}
		m.logger.Info("File system watches registered.", zap.Strings("roots", roots), zap.Int("directories", watched))

		return func(ctx context.Context) { m.run(ctx, w) }, nil
	})
}

// watchTree adds root and every directory below it, skipping excluded and
// unreadable directories. It returns the number of watches added.
func (m *FilesystemMonitor) watchTree(w *fsnotify.Watcher, root string) int {
	added := 0
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && p != root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if m.excluded(p) {
			return fs.SkipDir
		}
		if err := w.Add(p); err != nil {
			m.logger.Debug("Cannot watch directory.", zap.String("dir", p), zap.Error(err))
			return fs.SkipDir
		}
		added++
		return nil
	})
	return added
}

func (m *FilesystemMonitor) run(ctx context.Context, w *fsnotify.Watcher) {
	g := new(errgroup.Group)
	g.SetLimit(fileWorkers)
	defer func() {
		_ = w.Close()
		_ = g.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn("File system watcher error.", zap.Error(err))
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := m.limiter.Wait(ctx); err != nil {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					m.watchTree(w, ev.Name)
					continue
				}
			}
			path := ev.Name
			g.Go(func() error {
				m.handle(path)
				return nil
			})
		}
	}
}

func (m *FilesystemMonitor) handle(path string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic recovered while handling file event.", zap.String("path", path), zap.Any("panic_value", r))
		}
	}()
	if m.skip(path) {
		return
	}
	m.responder.HandleFile(path)
}

// skip filters temp and marker paths, excluded trees, directories and files
// that cannot be opened for reading yet.
func (m *FilesystemMonitor) skip(path string) bool {
	name := filepath.Base(path)
	if strings.HasSuffix(strings.ToLower(name), quarantine.BlobExtension) || strings.HasPrefix(name, restorePrefix) {
		return true
	}
	key := pathKey(path)
	for _, t := range m.tempDirs {
		if within(key, t) {
			return true
		}
	}
	if m.excluded(path) {
		return true
	}
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Debug("File not readable yet.", zap.String("path", path), zap.Error(err))
		}
		return true
	}
	info, err := f.Stat()
	f.Close()
	return err != nil || info.IsDir()
}

func (m *FilesystemMonitor) excluded(path string) bool {
	key := pathKey(path)
	for _, d := range m.exclude {
		if within(key, d) {
			return true
		}
	}
	return false
}

// within reports whether p equals dir or lies below it. Both are pathKeys.
func within(p, dir string) bool {
	if p == dir {
		return true
	}
	dir = strings.TrimRight(dir, `/\`)
	return strings.HasPrefix(p, dir) && len(p) > len(dir) && (p[len(dir)] == '/' || p[len(dir)] == '\\')
}
