package engine

import (
	stderrors "errors"
	"io"
	"os"

	"github.com/criyle/minidocker/container"
	"github.com/criyle/minidocker/pkg/metainfo"
	"github.com/pkg/errors"
)

// List returns container records sorted by id, only running ones unless all
func (e *Engine) List(all bool) ([]metainfo.Metainfo, error) {
	list, err := e.store.List()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list containers")
	}
	if all {
		return list, nil
	}
	running := list[:0]
	for _, m := range list {
		if m.IsRunning() {
			running = append(running, m)
		}
	}
	return running, nil
}

// Logs copies the log of a detached container to w
func (e *Engine) Logs(id string, w io.Writer) error {
	if err := e.mustExist(id); err != nil {
		return err
	}
	f, err := os.Open(e.store.LogPath(id))
	if stderrors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to open log of %s", id)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return errors.Wrapf(err, "failed to read log of %s", id)
	}
	return nil
}

// Commit archives the merged view of a container as image
func (e *Engine) Commit(id, image string) error {
	if err := e.mustExist(id); err != nil {
		return err
	}
	if err := e.storage.Commit(id, image); err != nil {
		return errors.Wrapf(err, "failed to commit %s", id)
	}
	e.logger(id).WithField("image", image).Info("container committed")
	return nil
}

// Exec runs an additional command inside the namespaces of a running
// container and returns its exit code
func (e *Engine) Exec(id string, argv []string, stdio container.Stdio) (int, error) {
	if err := e.mustExist(id); err != nil {
		return 0, err
	}
	running, err := e.store.IsRunning(id)
	if err != nil {
		return 0, err
	}
	if !running {
		return 0, stateConflict("container %s is not running", id)
	}
	pid, err := e.store.GetPid(id)
	if err != nil {
		return 0, err
	}
	code, err := e.platform.Enter(pid, argv, stdio.Stdin, stdio.Stdout, stdio.Stderr)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to exec in %s", id)
	}
	return code, nil
}
