// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/warden/internal/config"
	"github.com/xkilldash9x/warden/internal/features"
	"github.com/xkilldash9x/warden/internal/monitor"
	"github.com/xkilldash9x/warden/internal/quarantine"
	"github.com/xkilldash9x/warden/internal/scan"
	"github.com/xkilldash9x/warden/internal/trust"
)

// InitializeStores opens the quarantine and trust stores under the configured
// data directory. Commands that only manage stored items use it directly.
func InitializeStores(cfg config.StorageConfig, logger *zap.Logger) (*quarantine.Store, *trust.Store, error) {
	q := quarantine.NewStore(cfg.QuarantineDirPath(), cfg.QuarantineDBPath(), logger)
	if err := q.Initialize(); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize quarantine store: %w", err)
	}
	tr := trust.NewStore(cfg.TrustDBPath(), logger)
	if err := tr.Initialize(); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize trust store: %w", err)
	}
	return q, tr, nil
}

// InitializeCloudClient creates the cloud lookup client, or returns nil when
// cloud scanning is disabled.
func InitializeCloudClient(cfg config.CloudConfig, logger *zap.Logger) (scan.CloudClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := scan.NewHTTPClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloud client: %w", err)
	}
	logger.Info("Cloud scanning enabled.", zap.String("endpoint", cfg.Endpoint))
	return client, nil
}

// InitializeScanner creates the feature extractor and the scan service on top of it.
func InitializeScanner(cfg config.ScannerConfig, logger *zap.Logger) (*features.Extractor, *scan.Service, error) {
	extractor := features.NewExtractor(logger, features.WithMaxContent(cfg.MaxFileSize))
	cloud, err := InitializeCloudClient(cfg.Cloud, logger)
	if err != nil {
		return nil, nil, err
	}
	svc, err := scan.NewService(extractor, cloud, cfg.Cloud.MaxConcurrent, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize scan service: %w", err)
	}
	return extractor, svc, nil
}

// StartInterceptionConsumer launches a goroutine that reads interceptions and
// logs them, passing each to sink when one is given. It manages its lifecycle
// using the provided WaitGroup and drains buffered events on cancellation.
func StartInterceptionConsumer(ctx context.Context, wg *sync.WaitGroup, events <-chan monitor.Interception, logger *zap.Logger, sink func(monitor.Interception)) {
	log := logger.Named("interceptions")
	handle := func(ev monitor.Interception) {
		fields := []zap.Field{
			zap.String("path", ev.Path),
			zap.String("source", ev.Source),
			zap.String("threat", ev.Threat),
			zap.Bool("succeeded", ev.Succeeded),
		}
		if ev.Succeeded {
			log.Warn("Threat intercepted.", fields...)
		} else {
			log.Error("Threat detected but remediation failed.", fields...)
		}
		if sink != nil {
			sink(ev)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debug("Interception consumer started.")
		defer log.Debug("Interception consumer shut down.")

		for {
			select {
			case ev := <-events:
				handle(ev)
			case <-ctx.Done():
				// Drain what is already buffered before exiting.
				for {
					select {
					case ev := <-events:
						handle(ev)
					default:
						return
					}
				}
			}
		}
	}()
}
