package cgroup

import (
	"fmt"
	"math/bits"
	"strconv"

	"github.com/containerd/errdefs"
)

// ResourceConfig is the resource limitation of a single container,
// a nil / empty field leaves the controller untouched
type ResourceConfig struct {
	// CPU in abstract units, quota = CPU * 1000 out of a 100ms period
	CPU *uint64

	// Memory in human readable size, e.g. 10m, 1G
	Memory string
}

// Controller is one of the fixed cgroup v2 controllers
type Controller int

// Available controllers
const (
	CPU Controller = iota + 1
	Memory
)

// Controllers lists every controller consulted by Apply, in order
var Controllers = []Controller{CPU, Memory}

func (c Controller) String() string {
	switch c {
	case CPU:
		return "cpu"
	case Memory:
		return "memory"
	default:
		return "invalid"
	}
}

// enabled reports whether the config has a limit for the controller
func (c Controller) enabled(r *ResourceConfig) bool {
	switch c {
	case CPU:
		return r.CPU != nil
	case Memory:
		return r.Memory != ""
	default:
		return false
	}
}

// set writes the controller limit file of the group
func (c Controller) set(g *Group, r *ResourceConfig) error {
	switch c {
	case CPU:
		return g.SetCPUBandwidth(CPUQuota(*r.CPU), cpuPeriod)

	case Memory:
		l, err := ParseMemory(r.Memory)
		if err != nil {
			return err
		}
		return g.SetMemoryLimit(l)
	}
	return fmt.Errorf("cgroup: unknown controller %d", int(c))
}

// CPUQuota maps configured cpu units to cpu.max quota in microseconds.
// The mapping saturates the 100000us period at 100 units.
func CPUQuota(units uint64) uint64 {
	return units * cpuQuotaPerUnit
}

// ParseMemory parses size with unit suffix k/K, m/M, g/G into bytes
func ParseMemory(s string) (uint64, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("cgroup: invalid memory size %q: %w", s, errdefs.ErrInvalidArgument)
	}
	var mult uint64
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
	case 'm', 'M':
		mult = 1 << 20
	case 'g', 'G':
		mult = 1 << 30
	default:
		return 0, fmt.Errorf("cgroup: invalid memory unit in %q: %w", s, errdefs.ErrInvalidArgument)
	}
	n, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cgroup: invalid memory size %q: %w", s, errdefs.ErrInvalidArgument)
	}
	hi, b := bits.Mul64(n, mult)
	if hi != 0 {
		return 0, fmt.Errorf("cgroup: memory size %q overflows %w", s, errdefs.ErrInvalidArgument)
	}
	return b, nil
}
