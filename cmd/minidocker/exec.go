package main

import (
	"github.com/spf13/cobra"
)

func execCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec CONTAINER COMMAND [ARG...]",
		Short: "Execute a command in a running container",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(c, args[0], args[1:])
		},
	}
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func runExec(c *cli, id string, argv []string) error {
	code, err := c.engine.Exec(id, argv, terminal())
	if err != nil {
		return err
	}
	if code != 0 {
		return statusError{code: code}
	}
	return nil
}
