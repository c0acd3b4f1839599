// Package unixsocket provides a SOCK_SEQPACKET socket pair used to hand a
// single message (and optionally file descriptors) across the isolation
// boundary to the container init process.
package unixsocket

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// oob size default to page size
const oobSize = 4 << 10

// Socket wrappers a unix socket connection
type Socket struct {
	*net.UnixConn
}

// Msg is the oob msg with the message
type Msg struct {
	Fds []int // unix rights
}

// NewSocket creates Socket conn struct using existing unix socket fd
// creates by socketpair and mark it as close_on_exec (avoid fd leak)
func NewSocket(fd int) (*Socket, error) {
	syscall.CloseOnExec(fd)

	file := os.NewFile(uintptr(fd), "unix-socket")
	if file == nil {
		return nil, fmt.Errorf("NewSocket: %d is not a valid fd", fd)
	}
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, err
	}

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("NewSocket: %d is not a valid unix socket connection", fd)
	}
	return &Socket{UnixConn: unixConn}, nil
}

// NewSocketPair creates connected unix socketpair using SOCK_SEQPACKET
func NewSocketPair() (*Socket, *Socket, error) {
	fd, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_SEQPACKET|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("NewSocketPair: failed to call socketpair %w", err)
	}

	ins, err := NewSocket(fd[0])
	if err != nil {
		syscall.Close(fd[0])
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("NewSocketPair: failed to call NewSocket on sender %w", err)
	}

	outs, err := NewSocket(fd[1])
	if err != nil {
		ins.Close()
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("NewSocketPair: failed to call NewSocket receiver %w", err)
	}

	return ins, outs, nil
}

// SendMsg sendmsg to unix socket and encode possible unix rights
func (s *Socket) SendMsg(b []byte, m Msg) error {
	var oob []byte
	if len(m.Fds) > 0 {
		oob = syscall.UnixRights(m.Fds...)
	}
	_, _, err := s.WriteMsgUnix(b, oob, nil)
	return err
}

// RecvMsg recvmsg from unix socket and parse possible unix rights
func (s *Socket) RecvMsg(b []byte) (int, Msg, error) {
	var msg Msg
	oob := make([]byte, oobSize)
	n, oobn, _, _, err := s.ReadMsgUnix(b, oob)
	if err != nil {
		return 0, msg, err
	}
	msgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, msg, err
	}
	for _, m := range msgs {
		if m.Header.Level != syscall.SOL_SOCKET || m.Header.Type != syscall.SCM_RIGHTS {
			continue
		}
		fds, err := syscall.ParseUnixRights(&m)
		if err != nil {
			return 0, msg, err
		}
		msg.Fds = append(msg.Fds, fds...)
	}
	return n, msg, nil
}
