package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/gridgate/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gridgate version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Module, info.Version)
			return err
		},
	}
}
