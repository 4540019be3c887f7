package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	sessionsrender "github.com/landonking-gif/lecoder-cgpu/internal/adapters/render/sessions"
	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
)

func newSessionsCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage runtime sessions",
	}

	cmd.AddCommand(
		newSessionsListCmd(app),
		newSessionsSwitchCmd(app),
		newSessionsDeleteCmd(app),
		newSessionsCleanCmd(app),
		newSessionsRenameCmd(app),
	)

	return cmd
}

func newSessionsListCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions with their computed status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			views, err := app.manager.ListSessions(cmd.Context())
			if err != nil {
				if asJSON {
					return writeJSONError(cmd, err)
				}
				return err
			}

			if asJSON {
				payloads := make([]sessionPayload, 0, len(views))
				for _, view := range views {
					payloads = append(payloads, sessionViewJSON(view))
				}
				return writeJSONResult(cmd, payloads)
			}

			rendered, err := app.listRenderer(views, sessionsrender.RenderOptions{Now: app.now()})
			if err != nil {
				return fmt.Errorf("render sessions: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")
	return cmd
}

func newSessionsSwitchCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "switch <session>",
		Short: "Make a session the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := app.manager.SwitchSession(cmd.Context(), args[0])
			if err != nil {
				if asJSON {
					return writeJSONError(cmd, err)
				}
				return err
			}

			if asJSON {
				return writeJSONResult(cmd, sessionJSON(session, domain.ComputeStatus(session, app.now())))
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Active session is now %s (%s)\n", session.ShortID(), displayLabel(session))
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")
	return cmd
}

func newSessionsDeleteCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "delete <session>",
		Short: "Forget a session locally, leaving its runtime running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := app.manager.DeleteSession(cmd.Context(), args[0])
			if err != nil {
				if asJSON {
					return writeJSONError(cmd, err)
				}
				return err
			}

			if asJSON {
				return writeJSONResult(cmd, sessionJSON(session, ""))
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s (%s); its runtime was left running\n", session.ShortID(), displayLabel(session))
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")
	return cmd
}

func newSessionsCleanCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove all stale sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cleaned, err := app.manager.CleanStaleSessions(cmd.Context())
			if err != nil {
				if asJSON {
					return writeJSONError(cmd, err)
				}
				return err
			}

			if asJSON {
				payloads := make([]sessionPayload, 0, len(cleaned))
				for _, session := range cleaned {
					payloads = append(payloads, sessionJSON(session, domain.StatusStale))
				}
				return writeJSONResult(cmd, payloads)
			}

			if len(cleaned) == 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "No stale sessions")
				return err
			}
			for _, session := range cleaned {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed stale session %s (%s)\n", session.ShortID(), displayLabel(session))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")
	return cmd
}

func newSessionsRenameCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rename <session> <label>",
		Short: "Relabel a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := app.sessions.Find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := app.sessions.Rename(cmd.Context(), session.ID, args[1]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Renamed session %s to %q\n", session.ShortID(), args[1])
			return err
		},
	}

	return cmd
}

func displayLabel(session domain.Session) string {
	if session.Label == "" {
		return "unnamed"
	}
	return session.Label
}
