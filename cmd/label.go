package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/firm/internal/types"
	"github.com/andresmejia3/firm/internal/utils"
	"github.com/andresmejia3/firm/internal/vision"
)

var labelForce bool

var labelCmd = &cobra.Command{
	Use:   "label <image_path> <name>",
	Short: "Enroll a person: copy their photo into the registry under <name>",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLabel(cmd.Context(), args[0], args[1])
	},
}

func init() {
	labelCmd.Flags().BoolVar(&labelForce, "force", false, "Replace an existing registry entry with the same name")
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, imagePath, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return startupFailed("Invalid identity name", fmt.Errorf("%q cannot be used as a file name", name), nil)
	}

	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		return startupFailed("Failed to read image file", err, nil)
	}

	dir := Cfg.Matcher.Directory
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return startupFailed("Failed to read registry directory", err, nil)
	}
	var existing []string
	for _, e := range entries {
		if e.IsDir() || strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())) != name {
			continue
		}
		if !labelForce {
			return startupFailed("Identity already enrolled", fmt.Errorf("%s exists, use --force to replace it", e.Name()), nil)
		}
		existing = append(existing, filepath.Join(dir, e.Name()))
	}

	// The registry refuses images without an encodable face, so check first.
	fmt.Fprintln(os.Stderr, "🚀 Starting vision engine...")
	eng, err := vision.NewPythonEngine(ctx, 0, visionConfig(Cfg))
	if err != nil {
		return startupFailed("Failed to start vision engine", err, nil)
	}
	defer eng.Close()

	if _, err := eng.Encode(ctx, types.DetectedFace{Crop: imgData}); err != nil {
		if errors.Is(err, vision.ErrNoEncoding) {
			fmt.Println("❌ No face detected in the provided image.")
			return &utils.ExitError{Code: utils.ExitStartup}
		}
		return startupFailed("Vision processing failed", err, eng.Cmd)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return startupFailed("Failed to create registry directory", err, nil)
	}
	dest := filepath.Join(dir, name+strings.ToLower(filepath.Ext(imagePath)))
	if err := os.WriteFile(dest, imgData, 0o644); err != nil {
		return startupFailed("Failed to write registry entry", err, nil)
	}
	// Old entries go only once the new one is in place.
	for _, old := range existing {
		if old == dest {
			continue
		}
		if err := os.Remove(old); err != nil {
			return startupFailed("Failed to replace registry entry", err, nil)
		}
	}

	fmt.Printf("✅ %s enrolled as '%s'\n", filepath.Base(imagePath), name)
	return nil
}
