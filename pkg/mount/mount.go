// Package mount describes the mount points used to assemble a container root
// filesystem: the overlay union view, bind mounted volumes, and the fresh
// proc / dev file systems mounted after the root switch.
package mount

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Mount defines syscall for mount points
type Mount struct {
	Source, Target, FsType, Data string
	Flags                        uintptr
}

// Mount calls mount syscall
func (m *Mount) Mount() error {
	if err := unix.Mount(m.Source, m.Target, m.FsType, m.Flags, m.Data); err != nil {
		return fmt.Errorf("mount: %v %w", m, err)
	}
	return nil
}

// IsBindMount returns true if the mount is a bind mount
func (m *Mount) IsBindMount() bool {
	return m.Flags&unix.MS_BIND == unix.MS_BIND
}

// IsReadOnly returns true if the mount is read only
func (m *Mount) IsReadOnly() bool {
	return m.Flags&unix.MS_RDONLY == unix.MS_RDONLY
}

// IsOverlay returns true if the mount is an overlay union mount
func (m *Mount) IsOverlay() bool {
	return m.FsType == overlayType
}

func (m Mount) String() string {
	switch {
	case m.IsBindMount():
		flag := "rw"
		if m.IsReadOnly() {
			flag = "ro"
		}
		return fmt.Sprintf("bind[%s:%s:%s]", m.Source, m.Target, flag)

	case m.IsOverlay():
		return fmt.Sprintf("overlay[%s:%s]", m.Target, m.Data)

	case m.FsType == procType:
		return fmt.Sprintf("proc[%s]", m.Target)

	case m.FsType == devType:
		return fmt.Sprintf("dev[%s]", m.Target)

	default:
		return fmt.Sprintf("mount[%s,%s:%s:%x,%s]", m.FsType, m.Source, m.Target, m.Flags, m.Data)
	}
}

// OverlayData formats overlay mount options for the given layers
func OverlayData(lower, upper, work string) string {
	return strings.Join([]string{
		"lowerdir=" + lower,
		"upperdir=" + upper,
		"workdir=" + work,
	}, ",")
}
