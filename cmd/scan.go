package cmd

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/warden/internal/config"
	"github.com/xkilldash9x/warden/internal/observability"
	"github.com/xkilldash9x/warden/internal/scan"
	"github.com/xkilldash9x/warden/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// scanOptions holds the flag values of the scan command.
type scanOptions struct {
	deep    bool
	names   bool
	cloud   bool
	json    bool
	workers int
}

// scanRow is one reported file.
type scanRow struct {
	Path        string   `json:"path"`
	Kind        string   `json:"kind,omitempty"`
	Score       int      `json:"score"`
	Result      string   `json:"result"`
	Tags        []string `json:"tags,omitempty"`
	CloudStatus *int     `json:"cloud_status,omitempty"`
	CloudResult string   `json:"cloud_result,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// malicious reports the local verdict. Cloud results are informational.
func (r scanRow) malicious() bool {
	return r.Result != ""
}

// ThreatsFoundError is returned when a scan flags at least one file.
type ThreatsFoundError struct {
	Count int
}

func (e *ThreatsFoundError) Error() string {
	return fmt.Sprintf("%d threat(s) detected", e.Count)
}

// newScanCmd creates and configures the `scan` command.
func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	scanCmd := &cobra.Command{
		Use:   "scan [paths...]",
		Short: "Scans files and directories and prints a verdict for each file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			applyScanFlagOverrides(cmd, cfg, opts)

			_, svc, err := service.InitializeScanner(cfg.Scanner(), observability.GetLogger())
			if err != nil {
				return err
			}
			return runScan(cmd.Context(), svc, cfg.Scanner(), opts, args, cmd.OutOrStdout())
		},
	}

	scanCmd.Flags().BoolVar(&opts.deep, "deep", false, "Enable deep scanning rules. (Overrides config/env)")
	scanCmd.Flags().BoolVar(&opts.names, "names", false, "Report threat names instead of score codes.")
	scanCmd.Flags().BoolVar(&opts.cloud, "cloud", false, "Also look up each file's hash with the cloud service.")
	scanCmd.Flags().BoolVar(&opts.json, "json", false, "Print results as JSON.")
	scanCmd.Flags().IntVarP(&opts.workers, "workers", "j", 0, "Number of concurrent scan workers. (Overrides config/env)")
	return scanCmd
}

// applyScanFlagOverrides copies explicitly set flags into the configuration.
func applyScanFlagOverrides(cmd *cobra.Command, cfg config.Interface, opts *scanOptions) {
	if cmd.Flags().Changed("deep") {
		cfg.SetScannerDeep(opts.deep)
	}
	if cmd.Flags().Changed("workers") && opts.workers > 0 {
		cfg.SetScannerWorkers(opts.workers)
	}
	if cmd.Flags().Changed("cloud") {
		cfg.SetCloudEnabled(opts.cloud)
	}
}

// runScan scans every regular file under paths with bounded concurrency and
// writes the report to out.
func runScan(ctx context.Context, svc *scan.Service, cfg config.ScannerConfig, opts *scanOptions, paths []string, out io.Writer) error {
	logger := observability.GetLogger().Named("scan-cmd")

	files, err := collectFiles(paths, logger)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		rows = make([]scanRow, 0, len(files))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Workers, 1))
	for _, path := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			row := scanOne(gctx, svc, path, cfg.DeepScan, opts.names, cfg.Cloud.Enabled)
			mu.Lock()
			rows = append(rows, row)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
	if opts.json {
		err = writeJSON(out, rows)
	} else {
		err = writeScanTable(out, rows)
	}
	if err != nil {
		return err
	}

	threats := 0
	for _, r := range rows {
		if r.malicious() {
			threats++
		}
	}
	logger.Info("Scan finished.", zap.Int("files", len(rows)), zap.Int("threats", threats))
	if threats > 0 {
		return &ThreatsFoundError{Count: threats}
	}
	return nil
}

func scanOne(ctx context.Context, svc *scan.Service, path string, deep, names, cloud bool) scanRow {
	row := scanRow{Path: path}
	res, err := svc.ScanFile(path, deep)
	if err != nil {
		row.Error = err.Error()
		return row
	}
	row.Kind = res.Kind.String()
	row.Score = res.Verdict.Score
	row.Tags = res.Verdict.Tags
	row.Result = scan.Encode(res.Verdict, names)

	if cloud {
		status, result := svc.CloudScan(ctx, path)
		row.CloudStatus = &status
		row.CloudResult = result
	}
	return row
}

// collectFiles expands directories into the regular files beneath them.
// Unreadable subtrees are logged and skipped; a missing argument is an error.
func collectFiles(paths []string, logger *zap.Logger) ([]string, error) {
	var files []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("cannot scan %s: %w", root, err)
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				logger.Warn("Skipping unreadable path.", zap.String("path", p), zap.Error(err))
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// writeJSON prints v as indented JSON. Every command's --json output goes through it.
func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeScanTable(out io.Writer, rows []scanRow) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tKIND\tSCORE\tRESULT\tCLOUD")
	for _, r := range rows {
		result := r.Result
		switch {
		case r.Error != "":
			result = "error: " + r.Error
		case result == "":
			result = "clean"
		}
		cloud := "-"
		if r.CloudStatus != nil {
			cloud = fmt.Sprintf("%d %s", *r.CloudStatus, r.CloudResult)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.Path, r.Kind, r.Score, result, cloud)
	}
	return tw.Flush()
}
