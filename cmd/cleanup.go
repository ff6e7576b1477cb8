package cmd

import (
	"fmt"

	"testctx/internal/color"

	"github.com/spf13/cobra"
)

func newCleanupCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete records left behind by interrupted production runs",
		Long: `Production runs write every record they create to a cleanup manifest
before using it. A run that finishes cleanly deletes its manifest; a run
that was killed leaves it behind. cleanup replays every leftover manifest
against the live store it names, through the same safety guard as a run,
and removes the manifest once all of its records are gone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApplication(cmd)
			if err != nil {
				return err
			}

			results, err := application.CleanupLeftovers(cmd.Context(), runID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintf(out, "No leftover manifests in %s\n", application.Services().Manifests.Dir())
				return nil
			}

			failed := 0
			for _, res := range results {
				status := color.SuccessStyle.Render("clean")
				if len(res.Failures) > 0 {
					status = color.ErrorStyle.Render(fmt.Sprintf("%d failed", len(res.Failures)))
					failed++
				}
				fmt.Fprintf(out, "%s deleted=%d missing=%d %s\n", color.Pad(res.RunID, 40), res.Deleted, res.Missing, status)
				for _, f := range res.Failures {
					fmt.Fprintf(out, "    %s\n", color.WarningStyle.Render(f.Error()))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d runs could not be fully cleaned up", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Only clean up this run")
	return cmd
}
