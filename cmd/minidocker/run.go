package main

import (
	"fmt"

	"github.com/criyle/minidocker/pkg/metainfo"
	"github.com/spf13/cobra"
)

type runOptions struct {
	cpu     uint64
	mem     string
	volume  string
	detach  bool
	network string
}

func runCommand(c *cli) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run [OPTIONS] IMAGE COMMAND [ARG...]",
		Short: "Create and run a new container from an image",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(c, cmd, opts, args)
		},
	}
	flags := cmd.Flags()
	flags.Uint64Var(&opts.cpu, "cpu", 0, "CPU units, 100 saturates one CPU")
	flags.StringVar(&opts.mem, "mem", "", "Memory limit (e.g. 100m, 1g)")
	flags.StringVarP(&opts.volume, "volume", "v", "", "Bind mount a volume HOST:CONTAINER")
	flags.BoolVarP(&opts.detach, "detach", "d", false, "Run container in background and print container ID")
	flags.StringVar(&opts.network, "net", "", "Connect the container to a network")
	flags.SetInterspersed(false)
	return cmd
}

func runRun(c *cli, cmd *cobra.Command, opts runOptions, args []string) error {
	rc := metainfo.RunCommand{
		Detach:  opts.detach,
		Image:   args[0],
		Command: args[1],
		Args:    append([]string{}, args[2:]...),
		Network: opts.network,
	}
	flags := cmd.Flags()
	if flags.Changed("cpu") {
		rc.CPU = &opts.cpu
	}
	if flags.Changed("mem") {
		rc.Mem = &opts.mem
	}
	if flags.Changed("volume") {
		rc.Volume = &opts.volume
	}
	id, err := c.engine.Run(rc, terminal())
	if err != nil {
		return err
	}
	if opts.detach {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}
