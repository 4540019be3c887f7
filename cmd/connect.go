package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	sessionsrender "github.com/landonking-gif/lecoder-cgpu/internal/adapters/render/sessions"
	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
)

func newConnectCmd(app *app) *cobra.Command {
	var (
		variantFlag     string
		gpuFlag         string
		acceleratorFlag string
		labelFlag       string
		asJSON          bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Provision a runtime and open a new session to it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// --gpu T4 is shorthand for --variant gpu --accelerator T4.
			if gpuFlag != "" {
				variantFlag = "gpu"
				acceleratorFlag = gpuFlag
			}

			variant, err := domain.ParseVariant(variantFlag)
			if err != nil {
				if asJSON {
					return writeJSONError(cmd, err)
				}
				return err
			}

			view, err := app.manager.CreateSession(cmd.Context(), labelFlag, variant, acceleratorFlag)
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
				return fmt.Errorf("render session: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().StringVar(&variantFlag, "variant", "gpu", "Runtime variant (gpu, tpu or cpu)")
	cmd.Flags().StringVar(&gpuFlag, "gpu", "", "Shorthand for --variant gpu --accelerator <type>")
	cmd.Flags().StringVar(&acceleratorFlag, "accelerator", "", "Requested GPU type, e.g. T4 or A100")
	cmd.Flags().StringVar(&labelFlag, "label", "", "Human-readable session label")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")

	return cmd
}
