// Command minidocker is a minimal container engine.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/criyle/minidocker/container"
	"github.com/criyle/minidocker/engine"
)

func init() {
	// never returns inside the container init process
	container.Init()
}

func main() {
	err := rootCommand().Execute()
	os.Exit(exitCode(err, os.Stdout, os.Stderr))
}

// exitCode reports err and maps it to the process exit code: a state
// conflict is printed and exits 0, an exec exit status is passed through
func exitCode(err error, stdout, stderr io.Writer) int {
	var status statusError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &status):
		return status.code
	case engine.IsStateConflict(err):
		fmt.Fprintln(stdout, err)
		return 0
	default:
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
}

// statusError carries the exit code of a command run inside a container
type statusError struct {
	code int
}

func (e statusError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
