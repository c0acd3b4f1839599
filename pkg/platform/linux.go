package platform

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/criyle/minidocker/pkg/mount"
	"github.com/criyle/minidocker/pkg/unixsocket"
	ps "github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"
)

// currentExec is the path to re-execute the engine itself
const currentExec = "/proc/self/exe"

// Linux implements Platform with real syscalls
type Linux struct{}

var _ Platform = Linux{}

// Mount calls mount syscall
func (Linux) Mount(m mount.Mount) error {
	return m.Mount()
}

// Unmount calls umount2 syscall
func (Linux) Unmount(target string, flags int) error {
	if err := unix.Unmount(target, flags); err != nil {
		return fmt.Errorf("unmount: %s %w", target, err)
	}
	return nil
}

// Spawn starts the process inside new namespaces and hands over the payload
func (Linux) Spawn(c SpawnConfig) (Process, error) {
	// prepare host -> container unix socket
	ins, outs, err := unixsocket.NewSocketPair()
	if err != nil {
		return nil, fmt.Errorf("spawn: failed to create socket %w", err)
	}
	defer outs.Close()

	fds := make([]int, 0, len(c.Files))
	for _, f := range c.Files {
		fds = append(fds, int(f.Fd()))
	}
	// the message stays queued in the socket until the child reads it
	if err := ins.SendMsg(c.Payload, unixsocket.Msg{Fds: fds}); err != nil {
		ins.Close()
		return nil, fmt.Errorf("spawn: failed to send payload %w", err)
	}

	outf, err := outs.File()
	if err != nil {
		ins.Close()
		return nil, fmt.Errorf("spawn: failed to dup container socket fd %w", err)
	}
	defer outf.Close()

	cloneFlags := c.CloneFlags
	if cloneFlags == 0 {
		cloneFlags = CloneFlags
	}
	args := c.Args
	if len(args) == 0 {
		ins.Close()
		return nil, errors.New("spawn: empty args")
	}
	cmd := &exec.Cmd{
		Path:       currentExec,
		Args:       args,
		Env:        c.Env,
		Stdin:      c.Stdin,
		Stdout:     c.Stdout,
		Stderr:     c.Stderr,
		ExtraFiles: []*os.File{outf},
		SysProcAttr: &syscall.SysProcAttr{
			Cloneflags: cloneFlags,
			Setsid:     c.Detach,
		},
	}
	if err := cmd.Start(); err != nil {
		ins.Close()
		return nil, fmt.Errorf("spawn: failed to start %w", err)
	}
	return &process{cmd: cmd, soc: ins}, nil
}

// Signal sends sig to pid
func (Linux) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// Alive reports whether pid is still present in the process table
func (Linux) Alive(pid int) bool {
	p, err := ps.FindProcess(pid)
	return err == nil && p != nil
}

// Enter runs argv inside all five namespaces of pid via nsenter(1)
func (Linux) Enter(pid int, argv []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("enter: empty command")
	}
	nsenter, err := exec.LookPath("nsenter")
	if err != nil {
		return 0, fmt.Errorf("enter: %w", err)
	}
	args := append([]string{
		"--target", strconv.Itoa(pid),
		"--mount", "--uts", "--ipc", "--net", "--pid",
		"--",
	}, argv...)
	cmd := exec.Command(nsenter, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err = cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("enter: %w", err)
	}
	return 0, nil
}

type process struct {
	cmd *exec.Cmd
	soc *unixsocket.Socket
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

// Resume sends the resume message, closing the socket without it makes the
// child exit
func (p *process) Resume() error {
	if p.soc == nil {
		return errors.New("resume: already resumed")
	}
	err := p.soc.SendMsg([]byte{ResumeMsg}, unixsocket.Msg{})
	p.closeSocket()
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

func (p *process) closeSocket() {
	if p.soc != nil {
		p.soc.Close()
		p.soc = nil
	}
}

func (p *process) Wait() (int, error) {
	p.closeSocket()
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

func (p *process) Release() error {
	p.closeSocket()
	return p.cmd.Process.Release()
}
