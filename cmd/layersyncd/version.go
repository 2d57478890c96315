package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ggoodman/layersync"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon and editor protocol versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "layersyncd %s (protocol %d)\n", version, layersync.ProtocolVersion)
			return err
		},
	}
}
