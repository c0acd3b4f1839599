package overlay

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
)

// Volume is a host directory bind mounted into the container
type Volume struct {
	Host, Container string
}

// ParseVolume splits "hostPath:containerPath" on the first colon
func ParseVolume(spec string) (Volume, error) {
	host, cont, ok := strings.Cut(spec, ":")
	if !ok || host == "" || cont == "" {
		return Volume{}, fmt.Errorf("overlay: invalid volume %q %w", spec, errdefs.ErrInvalidArgument)
	}
	return Volume{Host: host, Container: cont}, nil
}

// Target resolves the container path under the merged view
func (v Volume) Target(merged string) string {
	return filepath.Join(merged, filepath.Clean("/"+v.Container))
}

func (v Volume) String() string {
	return v.Host + ":" + v.Container
}
