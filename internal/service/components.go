// File: internal/service/components.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/warden/internal/features"
	"github.com/xkilldash9x/warden/internal/journal"
	"github.com/xkilldash9x/warden/internal/monitor"
	"github.com/xkilldash9x/warden/internal/quarantine"
	"github.com/xkilldash9x/warden/internal/scan"
	"github.com/xkilldash9x/warden/internal/trust"
)

// consumerDrainTimeout bounds how long Shutdown waits for the interception consumer.
const consumerDrainTimeout = 5 * time.Second

// Components holds every initialized service of the protection engine.
// This struct centralizes the lifecycle management of those dependencies.
type Components struct {
	Extractor  *features.Extractor
	Scanner    *scan.Service
	Quarantine *quarantine.Store
	Trust      *trust.Store
	Journal    *journal.Journal
	Responder  *monitor.Responder
	Monitors   []monitor.Monitor

	logger *zap.Logger

	// consumerCancel stops the interception consumer; consumerWG waits for it.
	consumerCancel context.CancelFunc
	consumerWG     *sync.WaitGroup
}

// EnableMonitors enables every constructed monitor. A monitor that fails to
// enable is reported but does not prevent the others from running. An error
// is returned only when no monitor could be enabled.
func (c *Components) EnableMonitors(ctx context.Context) (enabled []string, err error) {
	var errs []error
	for _, m := range c.Monitors {
		if e := m.Enable(ctx); e != nil {
			c.log().Warn("Monitor could not be enabled.", zap.String("monitor", m.Name()), zap.Error(e))
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), e))
			continue
		}
		enabled = append(enabled, m.Name())
	}
	if len(enabled) == 0 {
		if len(errs) == 0 {
			return nil, fmt.Errorf("no monitors are configured")
		}
		return nil, errors.Join(errs...)
	}
	return enabled, nil
}

// Shutdown gracefully closes all components, ensuring resources are released in the correct order.
func (c *Components) Shutdown() {
	logger := c.log()
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Stop the monitors (producers) so no new interceptions are generated.
	for _, m := range c.Monitors {
		if err := m.Disable(); err != nil {
			logger.Warn("Monitor did not shut down cleanly.", zap.String("monitor", m.Name()), zap.Error(err))
		}
	}

	// 2. Stop the interception consumer and wait for it to drain.
	if c.consumerCancel != nil {
		c.consumerCancel()
	}
	if c.consumerWG != nil {
		if !timedWait(c.consumerWG, consumerDrainTimeout) {
			logger.Warn("Interception consumer did not finish draining in time.")
		}
	}

	// 3. Close the journal last; the monitors and consumer may still write to it until here.
	if c.Journal != nil {
		if err := c.Journal.Close(); err != nil {
			logger.Warn("Error closing threat journal.", zap.Error(err))
		}
	}

	logger.Debug("All components shut down.")
}

func (c *Components) log() *zap.Logger {
	if c.logger == nil {
		return zap.NewNop()
	}
	return c.logger
}

// timedWait waits for wg with a timeout, reporting whether it completed.
func timedWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
