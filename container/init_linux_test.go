package container

import (
	"errors"
	"fmt"
	"testing"

	"github.com/criyle/minidocker/pkg/mount"
	"github.com/criyle/minidocker/pkg/platform"
	"github.com/criyle/minidocker/pkg/unixsocket"
	libseccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// recordSystem records every call in order and fails the call named failOn
type recordSystem struct {
	calls  []string
	failOn string
}

func (r *recordSystem) do(call string) error {
	r.calls = append(r.calls, call)
	if r.failOn != "" && r.failOn == call {
		return errors.New("injected")
	}
	return nil
}

func (r *recordSystem) Mount(m mount.Mount) error {
	return r.do("mount " + m.String())
}

func (r *recordSystem) Unmount(target string, flags int) error {
	return r.do(fmt.Sprintf("umount %s %d", target, flags))
}

func (r *recordSystem) MakePrivate() error { return r.do("private") }

func (r *recordSystem) PivotRoot(newRoot, putOld string) error {
	return r.do("pivot " + newRoot + " " + putOld)
}

func (r *recordSystem) Chdir(dir string) error { return r.do("chdir " + dir) }

func (r *recordSystem) MkdirIfNotExist(dir string) error { return r.do("mkdir " + dir) }

func (r *recordSystem) Rmdir(dir string) error { return r.do("rmdir " + dir) }

func (r *recordSystem) Dup2(oldfd, newfd int) error {
	return r.do(fmt.Sprintf("dup2 %d %d", oldfd, newfd))
}

func (r *recordSystem) Close(fd int) error {
	return r.do(fmt.Sprintf("close %d", fd))
}

func (r *recordSystem) Exec(argv []string, env []string) error {
	return r.do(fmt.Sprintf("exec %v %v", argv, env))
}

var rootSwitchCalls = []string{
	"private",
	"mount bind[/merged:/merged:rw]",
	"mkdir /merged/.old_root",
	"pivot /merged /merged/.old_root",
	"chdir /",
	fmt.Sprintf("umount /.old_root %d", unix.MNT_DETACH),
	"rmdir /.old_root",
	"mkdir /proc",
	"mount proc[/proc]",
	"mkdir /dev",
	"mount dev[/dev]",
	"resume",
}

func TestRootSwitchOrder(t *testing.T) {
	execCall := fmt.Sprintf("exec [sleep 100] [%s]", PathEnv)
	tests := []struct {
		name   string
		args   InitArgs
		logFd  int
		expect []string
	}{
		{
			name:   "foreground",
			args:   InitArgs{ID: "0123456789", Root: "/merged", Command: "sleep", Args: []string{"100"}},
			logFd:  -1,
			expect: append(append([]string{}, rootSwitchCalls...), execCall),
		},
		{
			name:  "detached",
			args:  InitArgs{ID: "0123456789", Root: "/merged", Command: "sleep", Args: []string{"100"}, Detach: true},
			logFd: 7,
			expect: append(append([]string{"dup2 7 1", "dup2 7 2", "close 7"},
				rootSwitchCalls...), execCall),
		},
		{
			name:   "seccomp",
			args:   InitArgs{ID: "0123456789", Root: "/merged", Command: "sleep", Args: []string{"100"}, Seccomp: true},
			logFd:  -1,
			expect: append(append(append([]string{}, rootSwitchCalls...), "seccomp"), execCall),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sys := &recordSystem{}
			r := &rootSwitch{
				sys: sys,
				seccomp: func() error {
					return sys.do("seccomp")
				},
				resume: func() error {
					return sys.do("resume")
				},
			}
			// a recorded exec returns, stopping the sequence there
			require.NoError(t, r.run(&tc.args, tc.logFd))
			assert.Equal(t, tc.expect, sys.calls)
		})
	}
}

func TestRootSwitchFailFast(t *testing.T) {
	tests := []struct {
		failOn string
	}{
		{"private"},
		{"pivot /merged /merged/.old_root"},
		{"rmdir /.old_root"},
		{"mount proc[/proc]"},
		{"resume"},
		{"seccomp"},
	}
	for _, tc := range tests {
		t.Run(tc.failOn, func(t *testing.T) {
			sys := &recordSystem{failOn: tc.failOn}
			r := &rootSwitch{
				sys: sys,
				seccomp: func() error {
					return sys.do("seccomp")
				},
				resume: func() error {
					return sys.do("resume")
				},
			}
			a := &InitArgs{Root: "/merged", Command: "true", Seccomp: true}
			err := r.run(a, -1)
			require.Error(t, err)
			assert.Equal(t, tc.failOn, sys.calls[len(sys.calls)-1], "no step after the failed one")
		})
	}
}

func TestDefaultSeccompPolicy(t *testing.T) {
	p := DefaultSeccompPolicy()
	prog, err := p.Assemble()
	require.NoError(t, err)
	require.NotEmpty(t, prog)
	assert.ElementsMatch(t, deniedSyscalls, p.Syscalls[0].Names)

	var rets []uint32
	for _, ins := range prog {
		if r, ok := ins.(bpf.RetConstant); ok {
			rets = append(rets, r.Val)
		}
	}
	assert.Contains(t, rets, uint32(libseccomp.ActionAllow))
}

func TestAwaitResume(t *testing.T) {
	tests := []struct {
		name    string
		send    func(s *unixsocket.Socket) error
		wantErr bool
	}{
		{
			name: "resumed",
			send: func(s *unixsocket.Socket) error {
				return s.SendMsg([]byte{platform.ResumeMsg}, unixsocket.Msg{})
			},
		},
		{
			name:    "engine closed",
			send:    func(s *unixsocket.Socket) error { return nil },
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine, child, err := unixsocket.NewSocketPair()
			require.NoError(t, err)
			require.NoError(t, tc.send(engine))
			require.NoError(t, engine.Close())

			err = awaitResume(child)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
