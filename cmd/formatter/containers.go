// Package formatter renders engine state for the terminal.
package formatter

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/criyle/minidocker/pkg/cgroup"
	"github.com/criyle/minidocker/pkg/metainfo"
	"github.com/docker/go-units"
)

const none = "-"

// Containers writes one row per container record
func Containers(w io.Writer, list []metainfo.Metainfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tPID\tSTATUS\tIMAGE\tCOMMAND\tCPU\tMEMORY")
	for _, m := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ID, pid(m.Pid), m.Status, m.Command.Image, command(m.Command),
			cpu(m.Command.CPU), memory(m.Command.Mem))
	}
	return tw.Flush()
}

func pid(p *int) string {
	if p == nil {
		return none
	}
	return strconv.Itoa(*p)
}

func command(c metainfo.RunCommand) string {
	return strings.Join(append([]string{c.Command}, c.Args...), " ")
}

func cpu(c *uint64) string {
	if c == nil {
		return none
	}
	return strconv.FormatUint(*c, 10)
}

func memory(m *string) string {
	if m == nil {
		return none
	}
	b, err := cgroup.ParseMemory(*m)
	if err != nil {
		return *m
	}
	return units.BytesSize(float64(b))
}
