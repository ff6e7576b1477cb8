package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"testctx/internal/mcpserver"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve testctx as MCP tools over stdio",
		Long: `serve runs an MCP server on stdin/stdout for AI assistants and editors.
It exposes mode_resolve, safety_check, context_probe, element_resolve and
scenario_run. Logs go to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := newApplication(cmd)
			if err != nil {
				return err
			}
			services := application.Services()

			server := mcpserver.New(mcpserver.Config{
				Version:      rootCmd.Version,
				Env:          services.Env,
				Validator:    services.Validator,
				Manager:      services.Manager,
				Elements:     services.Elements,
				Hooks:        services.Hooks,
				ScenarioPath: application.Settings().Scenarios.Path,
			})
			return server.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
