// Package platform is the thin layer over the namespace, mount and process
// syscalls used by the engine. Everything above it depends on the interfaces
// declared here so the orchestration can be exercised without privilege.
package platform

import (
	"io"
	"os"
	"syscall"

	"github.com/criyle/minidocker/pkg/mount"
	"golang.org/x/sys/unix"
)

// CloneFlags isolates the container init in new pid, mount, uts, network and
// ipc namespaces
const CloneFlags = unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWUTS |
	unix.CLONE_NEWNET | unix.CLONE_NEWIPC

// ResumeMsg is sent on the handoff socket once the process may exec
const ResumeMsg byte = 'r'

// Mounter performs mount / unmount
type Mounter interface {
	Mount(m mount.Mount) error
	Unmount(target string, flags int) error
}

// SpawnConfig defines an isolated process to start
type SpawnConfig struct {
	// Args is the argv of the process, Args[0] is the executable path
	Args []string

	// Env is the environment of the process
	Env []string

	// Payload is delivered to the child as a single message on fd 3, it is
	// written before the child starts and read once by it. The child then
	// waits on the same socket for Process.Resume.
	Payload []byte

	// Files are passed together with the payload as unix rights
	Files []*os.File

	Stdin          io.Reader
	Stdout, Stderr io.Writer

	// Detach starts the process in a new session
	Detach bool

	// CloneFlags overrides the namespaces to create (default: CloneFlags)
	CloneFlags uintptr
}

// Process is a started isolated process
type Process interface {
	// Pid returns the host pid
	Pid() int

	// Resume lets the process continue to exec
	Resume() error

	// Wait blocks until the process exits, returning its exit code
	Wait() (int, error)

	// Release drops the handle without waiting for the process
	Release() error
}

// Spawner starts isolated processes
type Spawner interface {
	Spawn(c SpawnConfig) (Process, error)
}

// Signaller delivers signals and probes process liveness by pid
type Signaller interface {
	Signal(pid int, sig syscall.Signal) error
	Alive(pid int) bool
}

// Enterer runs a command inside the namespaces of an existing process
type Enterer interface {
	Enter(pid int, argv []string, stdin io.Reader, stdout, stderr io.Writer) (int, error)
}

// Platform is the union of every capability the engine needs
type Platform interface {
	Mounter
	Spawner
	Signaller
	Enterer
}
