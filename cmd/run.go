package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
)

func newRunCmd(app *app) *cobra.Command {
	var (
		sessionFlag     string
		fileFlag        string
		setupFileFlag   string
		cleanupFileFlag string
		timeoutFlag     time.Duration
		modeFlag        string
		asJSON          bool
	)

	cmd := &cobra.Command{
		Use:   "run [code]",
		Short: "Execute code on a session's kernel",
		Long:  "Execute code on the named session, or on the active session when --session is omitted. Code comes from the argument or --file. Output captured on the kernel is printed to stdout and stderr, each ending with a newline.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if modeFlag != "kernel" {
				app.logger.Warn("execution mode not supported, falling back to kernel protocol", "mode", modeFlag)
			}

			code, err := resolveCode(args, fileFlag)
			if err != nil {
				if asJSON {
					return writeJSONError(cmd, err)
				}
				return err
			}

			req := domain.ExecutionRequest{Code: code, Timeout: timeoutFlag}
			if setupFileFlag != "" {
				setup, err := os.ReadFile(setupFileFlag)
				if err != nil {
					return fmt.Errorf("read setup file: %w", err)
				}
				req.Setup = string(setup)
			}
			if cleanupFileFlag != "" {
				cleanup, err := os.ReadFile(cleanupFileFlag)
				if err != nil {
					return fmt.Errorf("read cleanup file: %w", err)
				}
				req.Cleanup = string(cleanup)
			}

			result, err := app.manager.RunOn(cmd.Context(), sessionFlag, req)
			if err != nil {
				if asJSON {
					return writeJSONError(cmd, err)
				}
				return err
			}

			if asJSON {
				return writeJSONResult(cmd, executionJSON(result))
			}
			return printExecution(cmd, result)
		},
	}

	cmd.Flags().StringVar(&sessionFlag, "session", "", "Session id, prefix or label (defaults to the active session)")
	cmd.Flags().StringVar(&fileFlag, "file", "", "Read code from a file instead of the argument")
	cmd.Flags().StringVar(&setupFileFlag, "setup-file", "", "Code to run before the main payload")
	cmd.Flags().StringVar(&cleanupFileFlag, "cleanup-file", "", "Code to run after the main payload, best-effort")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Per-execution timeout (default 5m)")
	cmd.Flags().StringVarP(&modeFlag, "mode", "m", "kernel", "Execution mode")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")

	return cmd
}

func resolveCode(args []string, file string) (string, error) {
	if file != "" {
		if len(args) > 0 {
			return "", errors.New("pass code as an argument or via --file, not both")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read code file: %w", err)
		}
		return string(data), nil
	}
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", errors.New("run requires code as an argument or via --file")
	}
	return args[0], nil
}

func printExecution(cmd *cobra.Command, result domain.ExecutionResult) error {
	if result.Stdout != "" {
		fmt.Fprint(cmd.OutOrStdout(), result.Stdout)
		if !strings.HasSuffix(result.Stdout, "\n") {
			fmt.Fprintln(cmd.OutOrStdout())
		}
	}
	if result.Stderr != "" {
		fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
		if !strings.HasSuffix(result.Stderr, "\n") {
			fmt.Fprintln(cmd.ErrOrStderr())
		}
	}
	if result.Value != "" {
		fmt.Fprintln(cmd.OutOrStdout(), result.Value)
	}

	if result.Error != nil {
		for _, line := range result.Traceback {
			fmt.Fprintln(cmd.ErrOrStderr(), line)
		}
		return result.Error
	}
	return nil
}
