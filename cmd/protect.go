// File: cmd/protect.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/warden/internal/config"
	"github.com/xkilldash9x/warden/internal/observability"
	"github.com/xkilldash9x/warden/internal/service"
)

type protectOptions struct {
	fs       bool
	registry bool
	process  bool
}

// newProtectCmd creates the `protect` command. A nil factory selects the
// production component factory.
func newProtectCmd(factory service.ComponentFactory) *cobra.Command {
	opts := &protectOptions{}
	protectCmd := &cobra.Command{
		Use:   "protect",
		Short: "Runs the real-time monitors until interrupted",
		Long: `Runs the file system, registry and process monitors until SIGINT or SIGTERM.
Without monitor flags every monitor enabled in the configuration runs. Passing
any of --fs, --registry or --process runs only the selected monitors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			applyProtectFlagOverrides(cmd, cfg, opts)

			f := factory
			if f == nil {
				f = service.NewComponentFactory()
			}
			return runProtect(cmd.Context(), cfg, f, cmd.OutOrStdout())
		},
	}

	protectCmd.Flags().BoolVar(&opts.fs, "fs", false, "Run the file system monitor.")
	protectCmd.Flags().BoolVar(&opts.registry, "registry", false, "Run the registry autorun monitor.")
	protectCmd.Flags().BoolVar(&opts.process, "process", false, "Run the process creation monitor.")
	return protectCmd
}

// applyProtectFlagOverrides narrows the monitor set when any selection flag is given.
func applyProtectFlagOverrides(cmd *cobra.Command, cfg config.Interface, opts *protectOptions) {
	flags := cmd.Flags()
	if !flags.Changed("fs") && !flags.Changed("registry") && !flags.Changed("process") {
		return
	}
	cfg.SetFilesystemMonitorEnabled(opts.fs)
	cfg.SetRegistryMonitorEnabled(opts.registry)
	cfg.SetProcessMonitorEnabled(opts.process)
}

// runProtect builds the engine, enables its monitors and blocks until ctx is done.
func runProtect(ctx context.Context, cfg config.Interface, factory service.ComponentFactory, out io.Writer) error {
	logger := observability.GetLogger()

	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize protection components: %w", err)
	}
	defer components.Shutdown()

	enabled, err := components.EnableMonitors(ctx)
	if err != nil {
		return fmt.Errorf("no monitor could be enabled: %w", err)
	}

	fmt.Fprintf(out, "Protection active: %s. Press Ctrl+C to stop.\n", strings.Join(enabled, ", "))
	logger.Info("Protection active.", zap.Strings("monitors", enabled))

	<-ctx.Done()

	logger.Info("Stopping protection.")
	fmt.Fprintln(out, "Protection stopped.")
	return nil
}
