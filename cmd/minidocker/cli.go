package main

import (
	"os"

	"github.com/criyle/minidocker/config"
	"github.com/criyle/minidocker/container"
	"github.com/criyle/minidocker/engine"
	"github.com/criyle/minidocker/pkg/cgroup"
	"github.com/criyle/minidocker/pkg/metainfo"
	"github.com/criyle/minidocker/pkg/network"
	"github.com/criyle/minidocker/pkg/overlay"
	"github.com/criyle/minidocker/pkg/platform"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// cli is built once per invocation and shared by every sub-command
type cli struct {
	configPath string
	logLevel   string

	log      *logrus.Logger
	engine   *engine.Engine
	networks *network.Manager
}

func rootCommand() *cobra.Command {
	c := &cli{log: logrus.StandardLogger()}
	root := &cobra.Command{
		Use:           "minidocker",
		Short:         "A minimal container engine",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", config.DefaultPath, "Path to the engine configuration")
	flags.StringVar(&c.logLevel, "log-level", "", "Log level (overrides the configuration)")

	root.AddCommand(
		runCommand(c),
		commitCommand(c),
		psCommand(c),
		stopCommand(c),
		startCommand(c),
		rmCommand(c),
		logCommand(c),
		execCommand(c),
		pruneCommand(c),
		networkCommand(c),
	)
	return root
}

// setup loads the configuration and wires the engine
func (c *cli) setup() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	c.log.SetOutput(os.Stderr)
	c.log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	c.log.SetLevel(cfg.Level())

	if !cgroup.IsUnified(cfg.CgroupRoot) {
		c.log.WithField("cgroupRoot", cfg.CgroupRoot).Warn("not a cgroup v2 unified hierarchy")
	}

	var (
		plat    = platform.Linux{}
		store   = metainfo.NewStore(cfg.ContainersDir())
		storage = overlay.NewManager(cfg.OverlayDir(), cfg.ImagesDir(), plat, c.log)
	)
	c.networks = network.NewManager(cfg.NetworkDir(), network.NewIPAM(cfg.IPAMFile()), store, c.log, network.Bridge{})
	c.engine = engine.New(engine.Options{
		Store:       store,
		Storage:     storage,
		Cgroups:     cgroup.NewManager(cfg.CgroupRoot),
		Platform:    plat,
		Network:     c.networks,
		StopTimeout: cfg.StopTimeout,
		Seccomp:     cfg.Seccomp,
		Logger:      c.log,
	})
	return nil
}

func terminal() container.Stdio {
	return container.Stdio{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}
