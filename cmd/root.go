package cmd

import (
	"errors"
	"io/fs"
	"os"

	"testctx/internal/app"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	debug      bool
	jsonLogs   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "testctx",
	Short: "Run tests against isolated fixtures or live data, safely",
	Long: `testctx gives every test scenario a data context in the mode it asks for.

Isolated scenarios get a disposable store loaded from fixture bundles.
Production scenarios read pre-existing test-marked records from a live
store and may only touch records that carry the test marker. Dual
scenarios prefer production and fall back to isolated data.`,
	// SilenceUsage is set to true to prevent printing usage message on errors
	// handled by us (e.g. failed scenarios, missing configuration)
	SilenceUsage:      true,
	PersistentPreRunE: loadEnvFile,
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "testctx version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: layered ~/.config/testctx and ./.testctx)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before reading TESTCTX_ variables")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Write logs as JSON")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newResolveCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newElementsCmd())
	rootCmd.AddCommand(newServeCmd())
}

// loadEnvFile loads the dotenv file so its values are visible to the
// config layer. Variables already set in the process win.
func loadEnvFile(cmd *cobra.Command, args []string) error {
	if envFile == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// newApplication bootstraps the engine for one command invocation.
func newApplication(cmd *cobra.Command) (*app.Application, error) {
	cfg := app.NewConfig(debug, configPath)
	cfg.JSONLogs = jsonLogs
	cfg.LogOutput = cmd.ErrOrStderr()
	return app.NewApplication(cfg)
}
