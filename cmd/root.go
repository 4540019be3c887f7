package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "lecoder-cgpu",
		Short:         "Drive remote GPU/TPU notebook runtimes from the terminal",
		Long:          "lecoder-cgpu provisions accelerated notebook runtimes, keeps named sessions to them, and executes code over the kernel websocket protocol with automatic retry and reconnection.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wireApp()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newConnectCmd(app),
		newRunCmd(app),
		newSessionsCmd(app),
		newStatusCmd(app),
		newStatsCmd(app),
		newDisconnectCmd(app),
	)

	return rootCmd
}
