package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetDB     bool
	resetImages bool
	resetLogs   bool
	resetYes    bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Journal, Saved Faces, Logs)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetImages && !resetLogs {
			resetDB = true
			resetImages = true
			resetLogs = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB && Cfg.Database.URL != "" {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP the sighting journal?") {
				db, err := openStore(cmd.Context())
				if err != nil {
					return startupFailed("Failed to open sighting journal", err, nil)
				}
				fmt.Println("🗑️  Clearing Journal...")
				err = db.Reset(cmd.Context())
				db.Close()
				if err != nil {
					return startupFailed("Failed to reset database", err, nil)
				}
			}
		}

		if resetImages {
			if confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to delete all saved faces in %s?", Cfg.Image.OutputDirectory)) {
				fmt.Println("🗑️  Clearing Saved Faces...")
				removeDir(Cfg.Image.OutputDirectory)
			}
		}

		if resetLogs && Cfg.Logging.File != "" {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete all log files?") {
				fmt.Println("🗑️  Clearing Logs...")
				for _, f := range logFiles(Cfg.Logging.File) {
					if err := os.Remove(f); err != nil {
						fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", f, err)
					}
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Drop the sighting journal tables")
	resetCmd.Flags().BoolVar(&resetImages, "images", false, "Delete saved face images")
	resetCmd.Flags().BoolVar(&resetLogs, "logs", false, "Delete log files, rotated and timestamped ones included")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Answer yes to every prompt")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}

// logFiles matches log/app.log as well as log/app.<unix>.log and the
// rotated log/app-<time>.log(.gz) siblings.
func logFiles(file string) []string {
	ext := filepath.Ext(file)
	base := strings.TrimSuffix(file, ext)
	var out []string
	for _, pattern := range []string{file, base + ".*" + ext, base + "-*" + ext, base + "*" + ext + ".gz"} {
		matches, _ := filepath.Glob(pattern)
		out = append(out, matches...)
	}
	seen := make(map[string]bool, len(out))
	uniq := out[:0]
	for _, f := range out {
		if !seen[f] {
			seen[f] = true
			uniq = append(uniq, f)
		}
	}
	return uniq
}
