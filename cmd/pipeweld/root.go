//go:build linux

package main

import "github.com/spf13/cobra"

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pipeweld",
		Short:         "Run pipelines of commands over raw descriptor graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())

	return root
}
