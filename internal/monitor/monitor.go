// Package monitor implements the real-time protection monitors: file system,
// registry autorun locations and process creation. Each monitor runs one
// background loop between Enable and Disable, and hands confirmed threats to a
// shared Responder which remediates them and publishes Interception events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Interception sources.
const (
	SourceProcess  = "Process"
	SourceRegistry = "Reg"
)

// ErrNotElevated is returned when a monitor requires administrator rights.
var ErrNotElevated = errors.New("monitor: administrator privileges are required")

// defaultStopTimeout bounds Disable when no timeout is configured.
const defaultStopTimeout = 3 * time.Second

// Interception reports one remediation attempt.
type Interception struct {
	Succeeded bool
	Path      string
	Source    string
	Threat    string
	At        time.Time
}

// Monitor is the lifecycle shared by all monitors. Enabling an enabled monitor
// and disabling a disabled one are no-ops.
type Monitor interface {
	Name() string
	Enable(ctx context.Context) error
	Disable() error
	Enabled() bool
}

// lifecycle owns the single background goroutine of a monitor.
type lifecycle struct {
	name        string
	stopTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newLifecycle(name string, stopTimeout time.Duration, logger *zap.Logger) *lifecycle {
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &lifecycle{name: name, stopTimeout: stopTimeout, logger: logger}
}

// start runs prepare and, if it succeeds, launches the loop it returns.
// prepare is not called when the monitor is already running.
func (l *lifecycle) start(ctx context.Context, prepare func() (func(context.Context), error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}

	run, err := prepare()
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	go func() {
		defer close(done)
		run(loopCtx)
	}()
	l.logger.Info("Monitor enabled.", zap.String("monitor", l.name))
	return nil
}

// stop cancels the loop and waits up to stopTimeout for it to exit. The
// monitor is considered disabled even when the join times out.
func (l *lifecycle) stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(l.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		l.logger.Info("Monitor disabled.", zap.String("monitor", l.name))
		return nil
	case <-timer.C:
		l.logger.Warn("Monitor loop did not exit in time.", zap.String("monitor", l.name), zap.Duration("timeout", l.stopTimeout))
		return fmt.Errorf("%s monitor did not stop within %s", l.name, l.stopTimeout)
	}
}

func (l *lifecycle) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// sleep waits for d or until ctx is done, reporting whether the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// guard runs one loop iteration, converting a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()
	return fn()
}
