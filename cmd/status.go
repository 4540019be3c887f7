package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	sessionsrender "github.com/landonking-gif/lecoder-cgpu/internal/adapters/render/sessions"
	"github.com/landonking-gif/lecoder-cgpu/internal/application"
	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
)

func newStatusCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [session]",
		Short: "Show one session's record and computed status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identifier := ""
			if len(args) == 1 {
				identifier = args[0]
			}

			view, err := loadSessionView(cmd, app, identifier)
			if err != nil {
				if asJSON {
					return writeJSONError(cmd, err)
				}
				return err
			}

			if asJSON {
				return writeJSONResult(cmd, sessionViewJSON(view))
			}

			rendered, err := app.detailRenderer(view, sessionsrender.RenderOptions{Now: app.now()})
			if err != nil {
				return fmt.Errorf("render status: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")
	return cmd
}

func loadSessionView(cmd *cobra.Command, app *app, identifier string) (application.SessionView, error) {
	var (
		session domain.Session
		err     error
	)
	if identifier != "" {
		session, err = app.sessions.Find(cmd.Context(), identifier)
	} else {
		var ok bool
		session, ok, err = app.sessions.Active(cmd.Context())
		if err == nil && !ok {
			return application.SessionView{}, domain.NewClassified(domain.CategoryNotFound, 0,
				"no active session; connect first or name a session", domain.ErrSessionNotFound)
		}
	}
	if err != nil {
		return application.SessionView{}, err
	}

	return application.SessionView{
		Session: session,
		Status:  domain.ComputeStatus(session, app.now()),
	}, nil
}
