package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/warden/internal/journal"
	"github.com/xkilldash9x/warden/internal/observability"
)

func newJournalCmd() *cobra.Command {
	var (
		follow bool
		asJSON bool
		last   int
	)
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Prints the threat journal",
		Long:  "Prints every recorded interception. With --follow, new records are printed as monitors append them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			path := cfg.Journal().Path
			out := cmd.OutOrStdout()

			if follow {
				f := journal.NewFollower(path, true, observability.GetLogger())
				return f.Run(cmd.Context(), func(r journal.Record) {
					_ = printRecord(out, r, asJSON)
				})
			}

			records, err := journal.ReadAll(path)
			if err != nil {
				return err
			}
			if last > 0 && len(records) > last {
				records = records[len(records)-last:]
			}
			if asJSON {
				return writeJSON(out, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "Journal is empty.")
				return nil
			}
			for _, r := range records {
				if err := printRecord(out, r, false); err != nil {
					return err
				}
			}
			return nil
		},
	}
	journalCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing records as they are appended.")
	journalCmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON.")
	journalCmd.Flags().IntVarP(&last, "last", "n", 0, "Only print the most recent n records.")
	return journalCmd
}

func printRecord(out io.Writer, r journal.Record, asJSON bool) error {
	if asJSON {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	}
	status := "ok"
	if !r.Succeeded {
		status = "FAILED"
	}
	line := fmt.Sprintf("%s  %-8s %-10s %-6s %s", r.Time.Local().Format(time.DateTime), r.Source, r.Action, status, r.Path)
	if r.Threat != "" {
		line += "  [" + r.Threat + "]"
	}
	if r.Detail != "" {
		line += "  (" + r.Detail + ")"
	}
	_, err := fmt.Fprintln(out, line)
	return err
}
