package container

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/criyle/minidocker/pkg/mount"
	"github.com/criyle/minidocker/pkg/platform"
	"github.com/criyle/minidocker/pkg/unixsocket"
	"golang.org/x/sys/unix"
)

// System is the set of syscalls performed by the root switch
type System interface {
	platform.Mounter
	MakePrivate() error
	PivotRoot(newRoot, putOld string) error
	Chdir(dir string) error
	MkdirIfNotExist(dir string) error
	Rmdir(dir string) error
	Dup2(oldfd, newfd int) error
	Close(fd int) error
	Exec(argv []string, env []string) error
}

var _ System = platform.Linux{}

// Init is called for container init process
// it will check if pid == 1 and argv[1] == init, otherwise it is noop.
// It never returns inside the container init process.
func Init() {
	if os.Getpid() != 1 || len(os.Args) != 2 || os.Args[1] != InitArg {
		return
	}

	// exit process (with whole container) upon exit this function
	defer func() {
		if err := recover(); err != nil {
			fmt.Fprintf(os.Stderr, "container_init: panic: %v\n", err)
			os.Exit(1)
		}
	}()

	soc, args, logFd, err := receiveInitArgs(handoffFd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "container_init: %v\n", err)
		os.Exit(1)
	}
	r := &rootSwitch{
		sys:     platform.Linux{},
		seccomp: loadDefaultSeccomp,
		resume: func() error {
			return awaitResume(soc)
		},
	}
	// only returns on failure
	err = r.run(args, logFd)
	fmt.Fprintf(os.Stderr, "container_init: %v\n", err)
	os.Exit(1)
}

// receiveInitArgs reads the handoff message once, the socket stays open for
// the resume message
func receiveInitArgs(fd int) (*unixsocket.Socket, *InitArgs, int, error) {
	soc, err := unixsocket.NewSocket(fd)
	if err != nil {
		return nil, nil, -1, fmt.Errorf("failed to open handoff socket %w", err)
	}

	buf := make([]byte, handoffSize)
	n, msg, err := soc.RecvMsg(buf)
	if err != nil {
		soc.Close()
		return nil, nil, -1, fmt.Errorf("failed to receive init args %w", err)
	}
	args, err := DecodeInitArgs(buf[:n])
	if err != nil {
		soc.Close()
		return nil, nil, -1, err
	}
	logFd := -1
	if len(msg.Fds) > 0 {
		logFd = msg.Fds[0]
		for _, f := range msg.Fds[1:] {
			unix.Close(f)
		}
	}
	if args.Detach && logFd < 0 {
		soc.Close()
		return nil, nil, -1, fmt.Errorf("detached container %s without log file", args.ID)
	}
	return soc, args, logFd, nil
}

// awaitResume blocks until the engine has placed the process in its cgroup.
// The engine closing the socket without a message aborts the start.
func awaitResume(soc *unixsocket.Socket) error {
	defer soc.Close()
	buf := make([]byte, 1)
	n, _, err := soc.RecvMsg(buf)
	if err != nil {
		return fmt.Errorf("init: wait resume %w", err)
	}
	if n != 1 || buf[0] != platform.ResumeMsg {
		return errors.New("init: aborted before resume")
	}
	return nil
}

type rootSwitch struct {
	sys     System
	seccomp func() error
	resume  func() error
}

// run performs the root switch then exec the command
func (r *rootSwitch) run(a *InitArgs, logFd int) error {
	if a.Detach {
		if err := r.redirectOutput(logFd); err != nil {
			return err
		}
	}
	if err := r.switchRoot(a.Root); err != nil {
		return err
	}
	for _, m := range mount.NewRootBuilder().Mounts {
		if err := r.sys.MkdirIfNotExist(m.Target); err != nil {
			return fmt.Errorf("init_fs: mkdir %s %w", m.Target, err)
		}
		if err := r.sys.Mount(m); err != nil {
			return fmt.Errorf("init_fs: %w", err)
		}
	}
	if err := r.resume(); err != nil {
		return err
	}
	if a.Seccomp {
		if err := r.seccomp(); err != nil {
			return fmt.Errorf("init: load seccomp filter %w", err)
		}
	}
	return r.sys.Exec(a.Argv(), []string{PathEnv})
}

func (r *rootSwitch) redirectOutput(logFd int) error {
	for _, fd := range []int{unix.Stdout, unix.Stderr} {
		if err := r.sys.Dup2(logFd, fd); err != nil {
			return fmt.Errorf("init: redirect fd %d to log %w", fd, err)
		}
	}
	if logFd != unix.Stdout && logFd != unix.Stderr {
		return r.sys.Close(logFd)
	}
	return nil
}

func (r *rootSwitch) switchRoot(root string) error {
	if err := r.sys.MakePrivate(); err != nil {
		return fmt.Errorf("init_fs: %w", err)
	}
	// new root must be a mount point distinct from the old root
	if err := r.sys.Mount(mount.Mount{
		Source: root,
		Target: root,
		Flags:  unix.MS_BIND | unix.MS_REC,
	}); err != nil {
		return fmt.Errorf("init_fs: self bind %w", err)
	}
	putOld := filepath.Join(root, oldRoot)
	if err := r.sys.MkdirIfNotExist(putOld); err != nil {
		return fmt.Errorf("init_fs: mkdir(%s) %w", putOld, err)
	}
	if err := r.sys.PivotRoot(root, putOld); err != nil {
		return fmt.Errorf("init_fs: %w", err)
	}
	if err := r.sys.Chdir("/"); err != nil {
		return fmt.Errorf("init_fs: chdir %w", err)
	}
	staged := "/" + oldRoot
	if err := r.sys.Unmount(staged, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("init_fs: %w", err)
	}
	if err := r.sys.Rmdir(staged); err != nil {
		return fmt.Errorf("init_fs: rmdir(%s) %w", staged, err)
	}
	return nil
}
