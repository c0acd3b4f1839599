package main

import (
	"github.com/criyle/minidocker/pkg/network"
	"github.com/spf13/cobra"
)

type networkCreateOptions struct {
	subnet string
	driver string
}

func networkCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Manage container networks",
	}
	cmd.AddCommand(
		networkCreateCommand(c),
		networkRemoveCommand(c),
	)
	return cmd
}

func networkRemoveCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "rm NAME",
		Aliases: []string{"remove"},
		Short:   "Remove a network without connected containers",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.networks.Remove(args[0])
		},
	}
}

func networkCreateCommand(c *cli) *cobra.Command {
	opts := networkCreateOptions{}
	cmd := &cobra.Command{
		Use:   "create [OPTIONS] NAME",
		Short: "Create a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := c.networks.Create(args[0], opts.driver, opts.subnet)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.subnet, "subnet", "", "Subnet in CIDR format")
	flags.StringVar(&opts.driver, "driver", network.BridgeDriver, "Driver to manage the network")
	_ = cmd.MarkFlagRequired("subnet")
	return cmd
}
