package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDisconnectCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "disconnect <session>",
		Short: "Tear down a session's runtime and forget it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := app.manager.Disconnect(cmd.Context(), args[0])
			if err != nil {
				if asJSON {
					return writeJSONError(cmd, err)
				}
				return err
			}

			if asJSON {
				return writeJSONResult(cmd, sessionJSON(session, ""))
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Disconnected session %s (%s) and released its runtime\n", session.ShortID(), displayLabel(session))
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")
	return cmd
}
