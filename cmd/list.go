package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"registry"},
	Short:   "Load the registry and list the identities it knows",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadRegistry(cmd.Context(), Cfg, Log)
		if err != nil {
			return err
		}

		names := m.Names()
		if len(names) == 0 {
			fmt.Printf("No identities found in %s.\n", Cfg.Matcher.Directory)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "#\tNAME")
		fmt.Fprintln(w, "-\t----")
		for i, name := range names {
			fmt.Fprintf(w, "%d\t%s\n", i+1, name)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
