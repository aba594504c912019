package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	sightingsIdentity string
	sightingsLimit    int
	sightingsSummary  bool
)

var sightingsCmd = &cobra.Command{
	Use:   "sightings",
	Short: "List recent announcements recorded in the sighting journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openStore(ctx)
		if err != nil {
			return startupFailed("Failed to open sighting journal", err, nil)
		}
		defer db.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)

		if sightingsSummary {
			summary, err := db.SummarizeIdentities(ctx)
			if err != nil {
				return startupFailed("Failed to summarize sightings", err, nil)
			}
			if len(summary) == 0 {
				fmt.Println("No sightings recorded.")
				return nil
			}
			fmt.Fprintln(w, "IDENTITY\tCOUNT\tFIRST SEEN\tLAST SEEN")
			fmt.Fprintln(w, "--------\t-----\t----------\t---------")
			for _, s := range summary {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.Identity, s.Count,
					s.FirstSeen.Local().Format("2006-01-02 15:04"),
					s.LastSeen.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		}

		records, err := db.ListSightings(ctx, sightingsIdentity, sightingsLimit)
		if err != nil {
			return startupFailed("Failed to list sightings", err, nil)
		}
		if len(records) == 0 {
			fmt.Println("No sightings recorded.")
			return nil
		}

		fmt.Fprintln(w, "SEEN AT\tIDENTITY\tFRAME\tRUN\tIMAGE")
		fmt.Fprintln(w, "-------\t--------\t-----\t---\t-----")
		for _, r := range records {
			run := r.RunID
			if len(run) > 8 {
				run = run[:8]
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.SeenAt.Local().Format("2006-01-02 15:04:05"), r.Identity, r.FrameSeq, run, r.ImageName)
		}
		return w.Flush()
	},
}

func init() {
	sightingsCmd.Flags().StringVarP(&sightingsIdentity, "identity", "i", "", "Only show sightings of this identity")
	sightingsCmd.Flags().IntVarP(&sightingsLimit, "limit", "n", 20, "Maximum number of sightings to show")
	sightingsCmd.Flags().BoolVarP(&sightingsSummary, "summary", "s", false, "Show one line per identity instead")
	rootCmd.AddCommand(sightingsCmd)
}
