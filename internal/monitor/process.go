// internal/monitor/process.go
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/warden/internal/config"
	"github.com/xkilldash9x/warden/internal/platform"
)

// processWorkers bounds how many new processes are inspected at once.
const processWorkers = 8

// ProcessMonitor polls the process list and inspects every new process image.
type ProcessMonitor struct {
	*lifecycle

	procs     platform.Processes
	responder *Responder
	interval  time.Duration
	backoff   time.Duration
	logger    *zap.Logger
}

// NewProcessMonitor creates a process monitor.
func NewProcessMonitor(cfg config.MonitorConfig, procs platform.Processes, responder *Responder, logger *zap.Logger) (*ProcessMonitor, error) {
	if procs == nil {
		return nil, fmt.Errorf("process backend cannot be nil")
	}
	if responder == nil {
		return nil, fmt.Errorf("responder cannot be nil")
	}
	if cfg.Process.PollInterval <= 0 {
		return nil, fmt.Errorf("process poll interval must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("process-monitor")
	return &ProcessMonitor{
		lifecycle: newLifecycle("process", cfg.StopTimeout, log),
		procs:     procs,
		responder: responder,
		interval:  cfg.Process.PollInterval,
		backoff:   cfg.ErrorBackoff,
		logger:    log,
	}, nil
}

// Name implements Monitor.
func (m *ProcessMonitor) Name() string { return "process" }

// Enabled implements Monitor.
func (m *ProcessMonitor) Enabled() bool { return m.running() }

// Disable implements Monitor.
func (m *ProcessMonitor) Disable() error { return m.stop() }

// Enable starts polling. The first successful poll only records the running
// processes; inspection starts with the processes created after it.
func (m *ProcessMonitor) Enable(ctx context.Context) error {
	return m.start(ctx, func() (func(context.Context), error) {
		return m.run, nil
	})
}

func (m *ProcessMonitor) run(ctx context.Context) {
	g := new(errgroup.Group)
	g.SetLimit(processWorkers)
	defer func() { _ = g.Wait() }()

	var known map[int]struct{}
	for {
		err := guard(func() error {
			pids, err := m.procs.List()
			if err != nil {
				return fmt.Errorf("listing processes: %w", err)
			}
			current := make(map[int]struct{}, len(pids))
			for _, pid := range pids {
				current[pid] = struct{}{}
			}
			primed := known != nil
			prev := known
			known = current
			if !primed {
				m.logger.Debug("Process snapshot primed.", zap.Int("processes", len(current)))
				return nil
			}
			for _, pid := range pids {
				if _, seen := prev[pid]; seen {
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				pid := pid
				g.Go(func() error {
					m.inspect(pid)
					return nil
				})
			}
			return nil
		})
		if err != nil {
			m.logger.Error("Process poll failed.", zap.Error(err))
			if !sleep(ctx, m.backoff) {
				return
			}
		}
		if !sleep(ctx, m.interval) {
			return
		}
	}
}

func (m *ProcessMonitor) inspect(pid int) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic recovered while inspecting process.", zap.Int("pid", pid), zap.Any("panic_value", r))
		}
	}()

	path, err := m.procs.ExecutablePath(pid)
	if err != nil || path == "" {
		m.logger.Debug("Skipping process without resolvable image.", zap.Int("pid", pid), zap.Error(err))
		return
	}
	m.responder.HandleProcess(path, func() error {
		return m.procs.Terminate(pid)
	})
}
