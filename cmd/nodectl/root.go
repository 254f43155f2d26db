package main

import (
	cobra "github.com/spf13/cobra"
)

// newRootCommand builds the nodectl command tree.
func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "nodectl",
		Short:         "nodectl inspects weather frames and manages the node's session database",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newSessionCommand())
	rootCmd.AddCommand(newEncodeCommand())
	rootCmd.AddCommand(newFuseCommand())
	rootCmd.AddCommand(newDecodeCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}
