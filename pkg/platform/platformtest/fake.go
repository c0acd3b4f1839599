// Package platformtest provides an in-memory Platform for tests that must not
// touch mounts, namespaces or real processes.
package platformtest

import (
	"fmt"
	"io"
	"sync"
	"syscall"

	"github.com/criyle/minidocker/pkg/mount"
	"github.com/criyle/minidocker/pkg/platform"
	"golang.org/x/sys/unix"
)

// Signal records a delivered signal
type Signal struct {
	Pid int
	Sig syscall.Signal
}

// Fake implements platform.Platform in memory
type Fake struct {
	mu sync.Mutex

	// Mounted lists active mounts in mount order
	Mounted []mount.Mount

	// MountErr fails mounts whose target matches a key, UnmountErr
	// likewise for unmounts, the mount stays active
	MountErr   map[string]error
	UnmountErr map[string]error

	// Spawned records every spawn config, Started the assigned pids
	Spawned []platform.SpawnConfig
	Started []int

	// Signals records every delivered signal
	Signals []Signal

	// IgnoreTerm keeps processes alive after SIGTERM
	IgnoreTerm bool

	// ForegroundExit is the exit code of non-detached processes, which exit
	// as soon as they are waited
	ForegroundExit int

	// Entered records argv of every Enter call, returning EnterCode
	Entered   [][]string
	EnterCode int

	nextPid int
	procs   map[int]*Process
}

var _ platform.Platform = &Fake{}

// New creates an empty fake
func New() *Fake {
	return &Fake{
		MountErr:   make(map[string]error),
		UnmountErr: make(map[string]error),
		nextPid:    1000,
		procs:      make(map[int]*Process),
	}
}

// Mount implements platform.Mounter
func (f *Fake) Mount(m mount.Mount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.MountErr[m.Target]; err != nil {
		return err
	}
	f.Mounted = append(f.Mounted, m)
	return nil
}

// Unmount implements platform.Mounter, unmounting something not mounted fails
// with EINVAL
func (f *Fake) Unmount(target string, flags int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.UnmountErr[target]; err != nil {
		return fmt.Errorf("unmount: %s %w", target, err)
	}
	for i := len(f.Mounted) - 1; i >= 0; i-- {
		if f.Mounted[i].Target == target {
			f.Mounted = append(f.Mounted[:i], f.Mounted[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unmount: %s %w", target, unix.EINVAL)
}

// Targets returns the targets of active mounts
func (f *Fake) Targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := make([]string, 0, len(f.Mounted))
	for _, m := range f.Mounted {
		t = append(t, m.Target)
	}
	return t
}

// Spawn implements platform.Spawner
func (f *Fake) Spawn(c platform.SpawnConfig) (platform.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("spawn: empty args")
	}
	f.Spawned = append(f.Spawned, c)
	f.nextPid++
	p := &Process{f: f, pid: f.nextPid, done: make(chan struct{})}
	if !c.Detach {
		p.exit(f.ForegroundExit)
	}
	f.procs[p.pid] = p
	f.Started = append(f.Started, p.pid)
	return p, nil
}

// Signal implements platform.Signaller
func (f *Fake) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	if !ok || p.exited() {
		return unix.ESRCH
	}
	f.Signals = append(f.Signals, Signal{Pid: pid, Sig: sig})
	switch sig {
	case unix.SIGKILL:
		p.exit(137)
	case unix.SIGTERM:
		if !f.IgnoreTerm {
			p.exit(143)
		}
	}
	return nil
}

// Alive implements platform.Signaller
func (f *Fake) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	return ok && !p.exited()
}

// Enter implements platform.Enterer
func (f *Fake) Enter(pid int, argv []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[pid]; !ok || p.exited() {
		return 0, fmt.Errorf("enter: %w", unix.ESRCH)
	}
	f.Entered = append(f.Entered, argv)
	return f.EnterCode, nil
}

// Exit terminates a fake process with code
func (f *Fake) Exit(pid, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[pid]; ok {
		p.exit(code)
	}
}

// Resumed reports whether the process of pid was resumed
func (f *Fake) Resumed(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	return ok && p.resumed
}

// Process is a fake isolated process
type Process struct {
	f       *Fake
	pid     int
	code    int
	resumed bool
	done    chan struct{}
}

// Pid implements platform.Process
func (p *Process) Pid() int {
	return p.pid
}

// Resume implements platform.Process
func (p *Process) Resume() error {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	if p.resumed {
		return fmt.Errorf("resume: already resumed")
	}
	p.resumed = true
	return nil
}

// Wait implements platform.Process
func (p *Process) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

// Release implements platform.Process
func (p *Process) Release() error {
	return nil
}

func (p *Process) exit(code int) {
	if p.exited() {
		return
	}
	p.code = code
	close(p.done)
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
