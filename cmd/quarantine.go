// File: cmd/quarantine.go
package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/warden/internal/observability"
	"github.com/xkilldash9x/warden/internal/quarantine"
	"github.com/xkilldash9x/warden/internal/service"
	"github.com/xkilldash9x/warden/internal/trust"
)

// manualThreat labels items quarantined from the command line.
const manualThreat = "Manual"

// openStores loads the quarantine and trust stores for the configuration in cmd's context.
func openStores(cmd *cobra.Command) (*quarantine.Store, *trust.Store, error) {
	cfg, err := getConfigFromContext(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	return service.InitializeStores(cfg.Storage(), observability.GetLogger())
}

func newQuarantineCmd() *cobra.Command {
	quarantineCmd := &cobra.Command{
		Use:     "quarantine",
		Aliases: []string{"q"},
		Short:   "Lists and manages quarantined files",
	}

	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lists quarantined files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), q.Items())
			}
			return writeQuarantineTable(cmd.OutOrStdout(), q.Items())
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Print items as JSON.")

	var threat string
	addCmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Encrypts a file into quarantine and removes the original",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			item, err := q.Add(args[0], threat)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Quarantined %s as %s\n", item.OriginalPath, item.ID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&threat, "threat", manualThreat, "Threat name recorded with the item.")

	restoreCmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Restores a quarantined file to its original location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			restored, err := q.Restore(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s\n", restored)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Permanently deletes a quarantined file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			if err := q.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Permanently deletes every quarantined file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			n := len(q.Items())
			if err := q.Clear(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d item(s)\n", n)
			return nil
		},
	}

	quarantineCmd.AddCommand(listCmd, addCmd, restoreCmd, deleteCmd, clearCmd)
	return quarantineCmd
}

func writeQuarantineTable(out io.Writer, items []quarantine.Item) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(out, "Quarantine is empty.")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tTHREAT\tSIZE\tORIGINAL PATH")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			it.ID, it.QuarantineDate.Local().Format(time.DateTime), it.VirusName, it.FileSize, it.OriginalPath)
	}
	return tw.Flush()
}
