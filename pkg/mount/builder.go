package mount

import (
	"strings"

	"golang.org/x/sys/unix"
)

const (
	overlayType = "overlay"
	procType    = "proc"
	devType     = "devtmpfs"

	bind = unix.MS_BIND | unix.MS_REC
)

// Builder builds sequence of mounts
type Builder struct {
	Mounts []Mount
}

// NewBuilder creates new mount builder instance
func NewBuilder() *Builder {
	return &Builder{}
}

// NewRootBuilder returns the mounts performed after the root switch:
// a fresh proc at /proc and a fresh devtmpfs at /dev
func NewRootBuilder() *Builder {
	return NewBuilder().
		WithProc("/proc").
		WithDev("/dev")
}

// WithBind adds a recursive bind mount to builder
func (b *Builder) WithBind(source, target string, readonly bool) *Builder {
	var flags uintptr = bind
	if readonly {
		flags |= unix.MS_RDONLY
	}
	b.Mounts = append(b.Mounts, Mount{
		Source: source,
		Target: target,
		Flags:  flags,
	})
	return b
}

// WithOverlay adds an overlay union mount at target
func (b *Builder) WithOverlay(lower, upper, work, target string) *Builder {
	b.Mounts = append(b.Mounts, Mount{
		Source: overlayType,
		Target: target,
		FsType: overlayType,
		Data:   OverlayData(lower, upper, work),
	})
	return b
}

// WithProc add proc file system
func (b *Builder) WithProc(target string) *Builder {
	b.Mounts = append(b.Mounts, Mount{
		Source: procType,
		Target: target,
		FsType: procType,
	})
	return b
}

// WithDev add devtmpfs file system
func (b *Builder) WithDev(target string) *Builder {
	b.Mounts = append(b.Mounts, Mount{
		Source: devType,
		Target: target,
		FsType: devType,
	})
	return b
}

func (b Builder) String() string {
	var sb strings.Builder
	sb.WriteString("Mounts: ")
	for i, m := range b.Mounts {
		sb.WriteString(m.String())
		if i != len(b.Mounts)-1 {
			sb.WriteString(", ")
		}
	}
	return sb.String()
}
