// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/warden/internal/config"
	"github.com/xkilldash9x/warden/internal/journal"
	"github.com/xkilldash9x/warden/internal/monitor"
	"github.com/xkilldash9x/warden/internal/platform"
)

// ComponentFactory defines the interface for creating the protection engine's components.
// This abstraction is the key to making the protect command's logic testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	registry  func() platform.Registry
	processes func() (platform.Processes, error)
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{
		registry:  platform.NewRegistry,
		processes: platform.NewProcesses,
	}
}

// Create handles the full dependency injection and initialization of the
// stores, scanner, journal, responder and every enabled monitor. The
// interception consumer is started before Create returns.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger, consumerWG: &sync.WaitGroup{}}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Stores
	q, tr, err := InitializeStores(cfg.Storage(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Quarantine, components.Trust = q, tr
	logger.Debug("Quarantine and trust stores initialized.")

	// 2. Scanner
	extractor, scanner, err := InitializeScanner(cfg.Scanner(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Extractor, components.Scanner = extractor, scanner
	logger.Debug("Scan service initialized.", zap.Bool("cloud", scanner.CloudEnabled()))

	// 3. Journal
	j, err := journal.Open(cfg.Journal(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to open threat journal: %w", err)
		return nil, initializationErr
	}
	components.Journal = j
	logger.Debug("Threat journal opened.", zap.String("path", j.Path()))

	// 4. Responder
	mcfg := cfg.Monitor()
	responder, err := monitor.NewResponder(monitor.ResponderConfig{
		Scanner:      scanner,
		Quarantine:   q,
		Trust:        tr,
		Journal:      j,
		DeepScan:     mcfg.DeepScan,
		EventsBuffer: mcfg.EventsBuffer,
	}, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create responder: %w", err)
		return nil, initializationErr
	}
	components.Responder = responder

	// 5. Monitors
	if err := f.buildMonitors(components, cfg, logger); err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	logger.Debug("Monitors constructed.", zap.Int("count", len(components.Monitors)))

	// 6. Interception consumer
	consumerCtx, cancel := context.WithCancel(ctx)
	components.consumerCancel = cancel
	StartInterceptionConsumer(consumerCtx, components.consumerWG, responder.Events(), logger, nil)

	return components, nil
}

func (f *concreteFactory) buildMonitors(c *Components, cfg config.Interface, logger *zap.Logger) error {
	mcfg := cfg.Monitor()
	storage := cfg.Storage()

	if mcfg.Filesystem.Enabled {
		fsm, err := monitor.NewFilesystemMonitor(mcfg, c.Responder, logger, storage.DataDir, storage.QuarantineDirPath())
		if err != nil {
			return fmt.Errorf("failed to create file system monitor: %w", err)
		}
		c.Monitors = append(c.Monitors, fsm)
	}

	var procs platform.Processes
	if mcfg.Process.Enabled || mcfg.Registry.Enabled {
		p, err := f.processes()
		if err != nil {
			logger.Warn("Process enumeration unavailable on this platform.", zap.Error(err))
		} else {
			procs = p
		}
	}

	if mcfg.Registry.Enabled {
		rm, err := monitor.NewRegistryMonitor(mcfg, storage.WhitelistPath(), f.registry(), procs, c.Responder, logger)
		if err != nil {
			return fmt.Errorf("failed to create registry monitor: %w", err)
		}
		c.Monitors = append(c.Monitors, rm)
	}

	if mcfg.Process.Enabled && procs != nil {
		pm, err := monitor.NewProcessMonitor(mcfg, procs, c.Responder, logger)
		if err != nil {
			return fmt.Errorf("failed to create process monitor: %w", err)
		}
		c.Monitors = append(c.Monitors, pm)
	}
	return nil
}
