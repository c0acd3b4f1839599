package platform

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// MakePrivate remounts / as recursive private, stopping mount propagation
// to the host
func (Linux) MakePrivate() error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("make private: %w", err)
	}
	return nil
}

// PivotRoot calls pivot_root syscall
func (Linux) PivotRoot(newRoot, putOld string) error {
	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		return fmt.Errorf("pivot_root(%s, %s): %w", newRoot, putOld, err)
	}
	return nil
}

// Chdir changes current work directory
func (Linux) Chdir(dir string) error {
	return unix.Chdir(dir)
}

// MkdirIfNotExist creates dir unless it exists already
func (Linux) MkdirIfNotExist(dir string) error {
	if err := os.Mkdir(dir, 0755); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

// Rmdir removes an empty directory
func (Linux) Rmdir(dir string) error {
	return unix.Rmdir(dir)
}

// Dup2 duplicates oldfd onto newfd
func (Linux) Dup2(oldfd, newfd int) error {
	return unix.Dup3(oldfd, newfd, 0)
}

// Close closes fd
func (Linux) Close(fd int) error {
	return unix.Close(fd)
}

// Exec replaces the current process image, it only returns on failure
func (Linux) Exec(argv []string, env []string) error {
	p, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return fmt.Errorf("exec: %s %w", p, unix.Exec(p, argv, env))
}
