package main

import (
	"github.com/spf13/cobra"
)

func commitCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "commit CONTAINER IMAGE",
		Short: "Create a new image from a container's changes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.engine.Commit(args[0], args[1])
		},
	}
}
