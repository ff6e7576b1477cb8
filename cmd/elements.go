package cmd

import (
	"fmt"

	"testctx/internal/color"
	"testctx/internal/elements/rodprobe"
	"testctx/internal/mode"

	"github.com/spf13/cobra"
)

func newElementsCmd() *cobra.Command {
	var (
		checkURL string
		modeName string
		headless bool
	)

	cmd := &cobra.Command{
		Use:   "elements",
		Short: "List registered UI elements or check them against a page",
		Long: `Without --check, elements prints every registered element with its
selector in each mode. With --check, it opens the page in a local browser
and verifies that every required element becomes visible within the
mode's wait policy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApplication(cmd)
			if err != nil {
				return err
			}
			registry := application.Services().Elements
			out := cmd.OutOrStdout()

			if checkURL == "" {
				rows := registry.Table()
				if len(rows) == 0 {
					fmt.Fprintln(out, "No elements registered")
					return nil
				}
				fmt.Fprintf(out, "%s %s %s %s\n", color.TitleStyle.Render(color.Pad("NAME", 24)), color.Pad("ISOLATED", 32), color.Pad("PRODUCTION", 32), "REQUIRED")
				for _, row := range rows {
					fmt.Fprintf(out, "%s %s %s %s\n",
						color.Pad(color.Truncate(row["name"], 24), 24),
						color.Pad(color.Truncate(row["isolated"], 32), 32),
						color.Pad(color.Truncate(row["production"], 32), 32),
						row["required"])
				}
				return nil
			}

			m, err := mode.Parse(modeName)
			if err != nil {
				return err
			}
			session, err := rodprobe.Open(cmd.Context(), checkURL, headless)
			if err != nil {
				return err
			}
			defer session.Close()

			ok, rep := registry.ValidateElements(cmd.Context(), m, session)
			fmt.Fprintln(out, rep.Summary())
			for _, f := range rep.FailingSelectors {
				fmt.Fprintf(out, "    %s\n", color.ErrorStyle.Render(fmt.Sprintf("%s (%s): %s", f.Element, f.Selector, f.Reason)))
			}
			if !ok {
				return fmt.Errorf("element check failed in %s mode", m)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&checkURL, "check", "", "Page URL to check the registry against")
	cmd.Flags().StringVar(&modeName, "mode", string(mode.Isolated), "Mode whose selectors and wait policy are used")
	cmd.Flags().BoolVar(&headless, "headless", true, "Run the browser headless")
	return cmd
}
