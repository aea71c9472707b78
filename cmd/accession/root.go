package main

import "github.com/spf13/cobra"

func newRootCommand() *cobra.Command {
	var socketFlag string
	var configFlag string

	ctx := newCommandContext(&socketFlag, &configFlag)

	rootCmd := &cobra.Command{
		Use:           "accession",
		Short:         "Operate the accession ingest daemons",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Path to the accession daemon socket")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newDaemonCommands(ctx)...)
	rootCmd.AddCommand(
		newDaemonRunCommand(ctx),
		newSubmitCommand(ctx),
		newQueueCommand(ctx),
		newHoldCommand(ctx),
		newLocksCommand(ctx),
		newLogsCommand(ctx),
		newNotifyCommand(ctx),
		newConfigCommand(ctx),
	)

	return rootCmd
}
