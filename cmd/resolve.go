package cmd

import (
	"fmt"
	"sort"
	"strings"

	"testctx/internal/color"
	"testctx/internal/mode"

	"github.com/spf13/cobra"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [tags...]",
		Short: "Show which mode a scenario with the given tags would run in",
		Long: `Resolve scenario tags against the current environment and print the
primary mode, its fallbacks and any mode that is unavailable because
configuration is missing.

Example usage:
  testctx resolve @production
  testctx resolve dual smoke`,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApplication(cmd)
			if err != nil {
				return err
			}

			res, err := mode.Resolve(args, application.Services().Env)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			candidates := make([]string, 0, len(res.Candidates()))
			for _, m := range res.Candidates() {
				candidates = append(candidates, color.ForMode(string(m)).Render(string(m)))
			}
			fmt.Fprintf(out, "requested:  %s\n", color.ForMode(string(res.Requested)).Render(string(res.Requested)))
			fmt.Fprintf(out, "candidates: %s\n", strings.Join(candidates, " -> "))

			unavailable := make([]string, 0, len(res.Unavailable))
			for m := range res.Unavailable {
				unavailable = append(unavailable, string(m))
			}
			sort.Strings(unavailable)
			for _, m := range unavailable {
				fmt.Fprintf(out, "%s %s: %s\n", color.WarningStyle.Render("unavailable:"), m, res.Unavailable[mode.TestMode(m)])
			}
			return nil
		},
	}
}
