package container

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/criyle/minidocker/pkg/platform"
)

// InitArgs is the one-shot argument block handed to the container init
type InitArgs struct {
	// ID is the container id
	ID string

	// Root is the host path of the merged overlay directory
	Root string

	// Command and Args are executed after the root switch
	Command string
	Args    []string

	// Detach redirects stdout / stderr to the log file passed with the args
	Detach bool

	// Seccomp loads the default syscall filter before exec
	Seccomp bool
}

// Argv returns execve argv of the target command
func (a *InitArgs) Argv() []string {
	return append([]string{a.Command}, a.Args...)
}

// Encode serializes the args for the handoff
func (a *InitArgs) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, fmt.Errorf("container: encode init args %w", err)
	}
	if buf.Len() > handoffSize {
		return nil, fmt.Errorf("container: init args too large (%d bytes)", buf.Len())
	}
	return buf.Bytes(), nil
}

// DecodeInitArgs deserializes the handoff payload
func DecodeInitArgs(b []byte) (*InitArgs, error) {
	var a InitArgs
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&a); err != nil {
		return nil, fmt.Errorf("container: decode init args %w", err)
	}
	return &a, nil
}

// Stdio is the terminal of a foreground container
type Stdio struct {
	Stdin          io.Reader
	Stdout, Stderr io.Writer
}

// NewSpawnConfig prepares the isolated spawn of the container init for a.
// logFile is required when a.Detach is set and ignored otherwise.
func NewSpawnConfig(a *InitArgs, logFile *os.File, stdio Stdio) (platform.SpawnConfig, error) {
	payload, err := a.Encode()
	if err != nil {
		return platform.SpawnConfig{}, err
	}
	c := platform.SpawnConfig{
		Args:    []string{os.Args[0], InitArg},
		Env:     []string{PathEnv},
		Payload: payload,
		Detach:  a.Detach,
	}
	if a.Detach {
		if logFile == nil {
			return platform.SpawnConfig{}, fmt.Errorf("container: detached %s without log file", a.ID)
		}
		c.Files = []*os.File{logFile}
		return c, nil
	}
	c.Stdin = stdio.Stdin
	c.Stdout = stdio.Stdout
	c.Stderr = stdio.Stderr
	return c, nil
}
