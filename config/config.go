// Package config loads the engine configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config is given
const DefaultPath = "/etc/minidocker/config.yaml"

// Config defines the engine settings
type Config struct {
	// Root holds images, overlay workspaces, container records and networks
	Root string `yaml:"root"`

	// CgroupRoot is the mount point of the unified hierarchy
	CgroupRoot string `yaml:"cgroupRoot"`

	// StopTimeout is the grace period between SIGTERM and SIGKILL
	StopTimeout time.Duration `yaml:"stopTimeout"`

	// Seccomp loads the default syscall filter in every container
	Seccomp bool `yaml:"seccomp"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Root:        "/root/.mydocker",
		CgroupRoot:  "/sys/fs/cgroup",
		StopTimeout: 5 * time.Second,
		Seccomp:     true,
		LogLevel:    "info",
	}
}

// Load reads path over the defaults, a missing file yields the defaults
func Load(path string) (Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return c, nil
	case err != nil:
		return c, fmt.Errorf("config: read %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("config: parse %s %v %w", path, err, errdefs.ErrInvalidArgument)
	}
	return c, c.Validate()
}

// Validate checks the values are usable
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.Root) {
		return fmt.Errorf("config: root %q must be absolute %w", c.Root, errdefs.ErrInvalidArgument)
	}
	if !filepath.IsAbs(c.CgroupRoot) {
		return fmt.Errorf("config: cgroupRoot %q must be absolute %w", c.CgroupRoot, errdefs.ErrInvalidArgument)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("config: stopTimeout %v must be positive %w", c.StopTimeout, errdefs.ErrInvalidArgument)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: logLevel %v %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}

// Level returns the parsed log level
func (c *Config) Level() logrus.Level {
	l, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}

// ImagesDir holds <image>.tar archives
func (c *Config) ImagesDir() string {
	return filepath.Join(c.Root, "images")
}

// OverlayDir holds <id>/{lower,upper,work,merged}
func (c *Config) OverlayDir() string {
	return filepath.Join(c.Root, "overlay")
}

// ContainersDir holds <id>/{config.json,container.log}
func (c *Config) ContainersDir() string {
	return filepath.Join(c.Root, "containers")
}

// NetworkDir holds <name>.json
func (c *Config) NetworkDir() string {
	return filepath.Join(c.Root, "network", "network")
}

// IPAMFile is the subnet allocation document
func (c *Config) IPAMFile() string {
	return filepath.Join(c.Root, "network", "ipam", "subnet.json")
}
