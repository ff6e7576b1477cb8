package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"testctx/internal/color"
	"testctx/internal/mode"
	"testctx/internal/provider"

	"github.com/spf13/cobra"
)

func newProbeCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "probe [tags...]",
		Short: "Acquire a data context, report on it and release it",
		Long: `Probe runs the full context lifecycle for the given tags without any
scenario steps: resolve, setup, validate, report, cleanup. Use it to
check that fixtures load or that the live store holds enough test data.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "text" && output != "json" {
				return fmt.Errorf("unknown output %q (want text or json)", output)
			}
			application, err := newApplication(cmd)
			if err != nil {
				return err
			}
			services := application.Services()

			res, err := mode.Resolve(args, services.Env)
			if err != nil {
				return err
			}

			var meta provider.Metadata
			outcome, runErr := services.Manager.Run(cmd.Context(), res, func(ctx context.Context, dc *provider.DataContext) error {
				meta = dc.Metadata
				return nil
			})

			out := cmd.OutOrStdout()
			if output == "json" {
				data, err := json.MarshalIndent(map[string]interface{}{
					"run_id":    outcome.RunID,
					"requested": outcome.Requested,
					"mode":      outcome.Mode,
					"metadata":  meta,
					"report":    outcome.Report,
					"warnings":  outcome.Warnings,
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return runErr
			}

			for _, a := range outcome.Attempts {
				status := color.SuccessStyle.Render("ok")
				if a.Err != nil {
					status = color.ErrorStyle.Render(a.Err.Error())
				}
				fmt.Fprintf(out, "attempt %s: %s\n", color.Pad(string(a.Mode), 10), status)
			}
			if runErr != nil {
				return runErr
			}
			fmt.Fprintf(out, "run %s in %s mode\n", outcome.RunID, color.ForMode(string(outcome.Mode)).Render(string(outcome.Mode)))
			if meta.Bundle != "" {
				fmt.Fprintf(out, "bundle: %s\n", meta.Bundle)
			}
			fmt.Fprintf(out, "report: %s\n", outcome.Report.Summary())
			for _, w := range outcome.Warnings {
				fmt.Fprintln(out, color.WarningStyle.Render("warning: "+w))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")
	return cmd
}
