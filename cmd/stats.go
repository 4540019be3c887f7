package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate session counts and tier usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := app.manager.GetStats(cmd.Context())
			if err != nil {
				if asJSON {
					return writeJSONError(cmd, err)
				}
				return err
			}

			if asJSON {
				return writeJSONResult(cmd, stats)
			}

			rendered, err := app.statsRenderer(stats)
			if err != nil {
				return fmt.Errorf("render stats: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")
	return cmd
}
