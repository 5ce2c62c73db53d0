package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/warden/internal/trust"
)

func newTrustCmd() *cobra.Command {
	trustCmd := &cobra.Command{
		Use:   "trust",
		Short: "Lists and manages trusted files and folders",
	}

	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lists trusted files and folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, tr, err := openStores(cmd)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), tr.Items())
			}
			return writeTrustTable(cmd.OutOrStdout(), tr.Items())
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Print items as JSON.")

	var note string
	add := func(use, short string, fn func(*trust.Store, string, string) error) *cobra.Command {
		c := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, tr, err := openStores(cmd)
				if err != nil {
					return err
				}
				if err := fn(tr, args[0], note); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Trusted %s\n", args[0])
				return nil
			},
		}
		c.Flags().StringVar(&note, "note", "", "Free-form note stored with the entry.")
		return c
	}
	addFileCmd := add("add-file <path>", "Trusts a single file", (*trust.Store).AddFile)
	addFolderCmd := add("add-folder <path>", "Trusts a folder and everything beneath it", (*trust.Store).AddFolder)

	removeCmd := &cobra.Command{
		Use:   "remove <id|path>",
		Short: "Removes a trusted entry by id or path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, tr, err := openStores(cmd)
			if err != nil {
				return err
			}
			if err := tr.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Removes every trusted entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, tr, err := openStores(cmd)
			if err != nil {
				return err
			}
			if err := tr.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Trust list cleared")
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check <path>",
		Short: "Reports whether a path is trusted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, tr, err := openStores(cmd)
			if err != nil {
				return err
			}
			p, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if tr.IsTrusted(p) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is trusted\n", p)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not trusted\n", p)
			}
			return nil
		},
	}

	trustCmd.AddCommand(listCmd, addFileCmd, addFolderCmd, removeCmd, clearCmd, checkCmd)
	return trustCmd
}

func writeTrustTable(out io.Writer, items []trust.Item) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(out, "Trust list is empty.")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tADDED\tPATH\tNOTE")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			it.ID, it.Type, it.AddedDate.Local().Format(time.DateTime), it.Path, it.Note)
	}
	return tw.Flush()
}
