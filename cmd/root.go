package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/firm/internal/config"
	"github.com/andresmejia3/firm/internal/logging"
	"github.com/andresmejia3/firm/internal/store"
	"github.com/andresmejia3/firm/internal/utils"
)

var (
	// configFile is the --config_file flag
	configFile string
	// Cfg is the configuration loaded in PersistentPreRunE
	Cfg *config.Config
	// Log is the process logger, ready once PersistentPreRunE has run
	Log *logrus.Logger
	// startedAt stamps the log file name and the image output directory
	startedAt time.Time
)

// Version is the application version.
const Version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "firm",
	Short: "Face Identity Registry Matching: greets known faces seen by a camera",
	Long: `FIRM captures frames from a camera, detects and matches faces against a
registry of known people and greets each recognized person by name, at most
once per dedup window. Run without a subcommand to start the pipeline.`,
	Version:       Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; it only supplies DATABASE_URL and friends.
		_ = godotenv.Load()

		startedAt = time.Now()
		cfg, err := config.Load(configFile)
		if err != nil {
			utils.ShowError("Failed to load configuration", err, nil)
			return &utils.ExitError{Code: utils.ExitStartup}
		}
		Cfg = cfg

		Log, err = logging.New(cfg.Logging, startedAt)
		if err != nil {
			utils.ShowError("Failed to set up logging", err, nil)
			return &utils.ExitError{Code: utils.ExitStartup}
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context(), Cfg, Log)
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

// exitCode prints err unless it was already reported and maps it to a status.
func exitCode(err error) int {
	if err == nil {
		return utils.ExitOK
	}
	var exitErr *utils.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			utils.ShowError("FIRM stopped", exitErr.Err, nil)
		}
		return exitErr.Code
	}
	fmt.Fprintln(os.Stderr, err)
	return utils.ExitStartup
}

// openStore connects to the sighting journal, which every journal subcommand requires.
func openStore(ctx context.Context) (*store.Store, error) {
	if Cfg.Database.URL == "" {
		return nil, errors.New("no database configured: set database.url or DATABASE_URL")
	}
	db, err := store.New(ctx, Cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config_file", "f", config.DefaultPath, "Path to the YAML (or .toml) configuration file")
}
