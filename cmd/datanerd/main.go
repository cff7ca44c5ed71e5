package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"datanerd/internal/config"
	"datanerd/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string
	apiKey     string
	model      string

	// Loaded configuration, available to all subcommands after PersistentPreRunE.
	cfg *config.Config

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "datanerd",
	Short: "dataNERD - iterative spreadsheet normalization",
	Long: `dataNERD normalizes messy tabular data into clean, typed tables.

It asks an LLM to write a small Go transform program, runs that program
inside a Yaegi sandbox, scores the output cell-by-cell against a ground
truth table, and feeds mismatches back to the model until the result is
accepted or the iteration budget runs out. Accepted programs are stored
in a pattern library keyed by table fingerprint, so structurally similar
inputs are normalized without calling the model at all.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if workspace != "" {
			cfg.Workspace = workspace
		}
		if apiKey != "" {
			cfg.Generator.APIKey = apiKey
		}
		if model != "" {
			cfg.Generator.Model = model
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		if err := logging.Initialize(cfg.Workspace, cfg.Logging.DebugMode, cfg.Logging.Level); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}
		if err := logging.InitializeAudit(cfg.Workspace); err != nil {
			return fmt.Errorf("failed to initialize audit trail: %w", err)
		}
		logging.Boot("datanerd %s starting, workspace=%s", cfg.Version, cfg.Workspace)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".datanerd/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (or set GEMINI_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Generator model override")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(libraryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
