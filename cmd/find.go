package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/firm/internal/types"
	"github.com/andresmejia3/firm/internal/vision"
)

var (
	findTolerance float64
	findLimit     int
)

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Identify the face in an image against the registry and the sighting journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFind(cmd.Context(), args[0])
	},
}

func init() {
	findCmd.Flags().Float64VarP(&findTolerance, "tolerance", "t", 0, "Match tolerance (default: matcher.tolerance)")
	findCmd.Flags().IntVarP(&findLimit, "limit", "n", 10, "Maximum journal sightings to show")
	rootCmd.AddCommand(findCmd)
}

// largestFace picks the face with the biggest bounding box.
func largestFace(faces []types.DetectedFace) types.DetectedFace {
	best := faces[0]
	area := func(f types.DetectedFace) int {
		return (f.Box[2] - f.Box[0]) * (f.Box[1] - f.Box[3])
	}
	for _, f := range faces[1:] {
		if area(f) > area(best) {
			best = f
		}
	}
	return best
}

func runFind(ctx context.Context, imagePath string) error {
	tolerance := findTolerance
	if tolerance <= 0 {
		tolerance = Cfg.Matcher.Tolerance
	}

	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		return startupFailed("Failed to read image file", err, nil)
	}

	m, err := loadRegistry(ctx, Cfg, Log)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting vision engine...")
	eng, err := vision.NewPythonEngine(ctx, 0, visionConfig(Cfg))
	if err != nil {
		return startupFailed("Failed to start vision engine", err, nil)
	}
	defer eng.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	faces, err := eng.Detect(ctx, types.Frame{Data: imgData})
	if err != nil {
		return startupFailed("Vision processing failed", err, eng.Cmd)
	}
	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if len(faces) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", len(faces))
	}

	enc, err := eng.Encode(ctx, largestFace(faces))
	if err != nil {
		return startupFailed("Failed to encode face", err, eng.Cmd)
	}

	matched := m.Match(enc, tolerance)
	if len(matched) == 0 {
		fmt.Println("❌ No match found in registry.")
	} else {
		fmt.Printf("✅ Found Match: %s\n", matched[0])
		if len(matched) > 1 {
			fmt.Printf("   Also within tolerance: %v\n", matched[1:])
		}
	}

	if Cfg.Database.URL == "" {
		return nil
	}
	db, err := openStore(ctx)
	if err != nil {
		return startupFailed("Failed to open sighting journal", err, nil)
	}
	defer db.Close()

	fmt.Fprintln(os.Stderr, "🗄️  Searching journal...")
	near, err := db.NearestSightings(ctx, enc, tolerance, findLimit)
	if err != nil {
		return startupFailed("Journal search failed", err, nil)
	}
	if len(near) == 0 {
		fmt.Println("No similar sightings recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nSEEN AT\tIDENTITY\tDISTANCE\tIMAGE")
	fmt.Fprintln(w, "-------\t--------\t--------\t-----")
	for _, r := range near {
		fmt.Fprintf(w, "%s\t%s\t%.3f\t%s\n", r.SeenAt.Local().Format("2006-01-02 15:04:05"), r.Identity, r.Distance, r.ImageName)
	}
	return w.Flush()
}
