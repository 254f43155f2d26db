package main

import (
	"fmt"

	cobra "github.com/spf13/cobra"
)

// newVersionCommand prints the version set at build time with
// -ldflags "-X main.version=1.2.3".
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the application's version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
			return nil
		},
	}
}
