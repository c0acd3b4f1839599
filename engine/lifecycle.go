package engine

import (
	stderrors "errors"
	"os"

	"github.com/criyle/minidocker/container"
	"github.com/criyle/minidocker/pkg/cgroup"
	"github.com/criyle/minidocker/pkg/metainfo"
	"github.com/criyle/minidocker/pkg/platform"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Run creates a new container from cmd and runs it, it blocks until the
// container exits unless cmd.Detach is set
func (e *Engine) Run(cmd metainfo.RunCommand, stdio container.Stdio) (string, error) {
	if cmd.Mem != nil {
		if _, err := cgroup.ParseMemory(*cmd.Mem); err != nil {
			return "", err
		}
	}
	id := e.store.GenerateID()
	return id, e.RunContainer(id, cmd, stdio)
}

// RunContainer builds the workspace, spawns the isolated init, records it as
// running and applies the resource limits. A foreground container is torn
// down after it exits, a detached one is left for Stop.
func (e *Engine) RunContainer(id string, cmd metainfo.RunCommand, stdio container.Stdio) error {
	log := e.logger(id)
	volume := cmd.VolumeSpec()

	ws, err := e.storage.NewWorkspace(id, cmd.Image, volume)
	if err != nil {
		return errors.Wrapf(err, "failed to create workspace for %s", id)
	}

	args := &container.InitArgs{
		ID:      id,
		Root:    ws.Merged,
		Command: cmd.Command,
		Args:    cmd.Args,
		Detach:  cmd.Detach,
		Seccomp: e.seccomp,
	}
	var logFile *os.File
	if cmd.Detach {
		if logFile, err = e.store.OpenLog(id); err != nil {
			return e.abortWorkspace(id, volume, err)
		}
		defer logFile.Close()
	}
	sc, err := container.NewSpawnConfig(args, logFile, stdio)
	if err != nil {
		return e.abortWorkspace(id, volume, err)
	}
	p, err := e.platform.Spawn(sc)
	if err != nil {
		return e.abortWorkspace(id, volume, errors.Wrapf(err, "failed to spawn %s", id))
	}
	pid := p.Pid()
	log = log.WithField("pid", pid)

	if e.store.Exists(id) {
		err = e.store.RecordRunning(id, pid)
	} else {
		err = e.store.Init(id, pid, cmd)
	}
	if err != nil {
		return e.abortProcess(id, volume, p, errors.Wrapf(err, "failed to record %s", id))
	}

	if err := e.limit(id, pid, cmd); err != nil {
		return e.abortProcess(id, volume, p, err)
	}

	if cmd.Network != "" && e.network != nil {
		if err := e.network.Connect(cmd.Network, id); err != nil {
			log.WithError(err).WithField("network", cmd.Network).Warn("failed to connect network")
		}
	}

	// the init waits here until the limits and network are in place
	if err := p.Resume(); err != nil {
		return e.abortProcess(id, volume, p, errors.Wrapf(err, "failed to resume %s", id))
	}

	if cmd.Detach {
		log.WithField("image", cmd.Image).Info("container started")
		return p.Release()
	}

	code, err := p.Wait()
	if err != nil {
		log.WithError(err).Warn("wait")
	}
	log.WithField("exit", code).Info("container exited")
	return e.teardown(id, volume)
}

// Start runs an exited container again with its recorded command, every
// resource is rebuilt and a new pid is assigned
func (e *Engine) Start(id string, stdio container.Stdio) error {
	if err := e.mustExist(id); err != nil {
		return err
	}
	running, err := e.store.IsRunning(id)
	if err != nil {
		return err
	}
	if running {
		return stateConflict("container %s is already running", id)
	}
	cmd, err := e.store.GetCommand(id)
	if err != nil {
		return err
	}
	return e.RunContainer(id, cmd, stdio)
}

// Stop terminates a running container: SIGTERM, a grace period, SIGKILL if
// it is still alive, then workspace and cgroup teardown
func (e *Engine) Stop(id string) error {
	if err := e.mustExist(id); err != nil {
		return err
	}
	running, err := e.store.IsRunning(id)
	if err != nil {
		return err
	}
	if !running {
		return stateConflict("container %s is not running", id)
	}
	pid, err := e.store.GetPid(id)
	if err != nil {
		return err
	}
	log := e.logger(id).WithField("pid", pid)
	log.Info("stopping container")

	switch err := e.platform.Signal(pid, unix.SIGTERM); {
	case stderrors.Is(err, unix.ESRCH):
		log.Info("container process already gone")
	case err != nil:
		return errors.Wrapf(err, "failed to stop %s", id)
	default:
		e.clock.Sleep(e.stopTimeout)
		if e.platform.Alive(pid) {
			if err := e.kill(pid); err != nil {
				return errors.Wrapf(err, "failed to kill %s", id)
			}
			log.Info("container process still running, forcefully killed")
		}
	}
	return e.teardown(id, e.volumeOf(id))
}

// Remove deletes the leftover workspace and the record of an exited container
func (e *Engine) Remove(id string) error {
	if err := e.mustExist(id); err != nil {
		return err
	}
	running, err := e.store.IsRunning(id)
	if err != nil {
		return err
	}
	if running {
		return stateConflict("container %s is running, stop it first", id)
	}
	return e.remove(id)
}

// Prune removes every exited container, running ones are untouched
func (e *Engine) Prune() ([]string, error) {
	list, err := e.store.List()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list containers")
	}
	var (
		removed []string
		result  *multierror.Error
	)
	for _, m := range list {
		if m.Status != metainfo.StatusExited {
			continue
		}
		if err := e.remove(m.ID); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		removed = append(removed, m.ID)
	}
	return removed, result.ErrorOrNil()
}

func (e *Engine) remove(id string) error {
	if err := e.disconnect(id); err != nil {
		return errors.Wrapf(err, "failed to disconnect %s", id)
	}
	if err := e.storage.Remove(id); err != nil {
		return errors.Wrapf(err, "failed to remove workspace of %s", id)
	}
	if err := e.store.Delete(id); err != nil {
		return errors.Wrapf(err, "failed to remove record of %s", id)
	}
	e.logger(id).Info("container removed")
	return nil
}

func (e *Engine) limit(id string, pid int, cmd metainfo.RunCommand) error {
	r := cgroup.ResourceConfig{CPU: cmd.CPU}
	if cmd.Mem != nil {
		r.Memory = *cmd.Mem
	}
	if err := e.cgroups.Create(id); err != nil {
		return errors.Wrapf(err, "failed to create cgroup of %s", id)
	}
	if err := e.cgroups.Apply(id, r); err != nil {
		return errors.Wrapf(err, "failed to apply limits to %s", id)
	}
	if err := e.cgroups.AddProcess(id, pid); err != nil {
		return errors.Wrapf(err, "failed to add %d to cgroup of %s", pid, id)
	}
	return nil
}

// teardown runs after the container process is gone. Cgroup and workspace
// removal are both tried and their failures reported together. The record
// stays Running while the workspace is still mounted so that rm and prune
// never recurse into a mounted volume.
func (e *Engine) teardown(id, volume string) error {
	log := e.logger(id)
	if err := e.disconnect(id); err != nil {
		log.WithError(err).Warn("failed to disconnect network")
	}
	if ev, err := e.cgroups.ReadMemoryEvents(id); err == nil {
		log.WithField("memory.events", ev.String()).Info("memory events")
	} else {
		log.WithError(err).Debug("read memory events")
	}

	var result *multierror.Error
	if err := e.cgroups.Destroy(id); err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "failed to destroy cgroup of %s", id))
	}
	if err := e.storage.DeleteWorkspace(id, volume); err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "failed to delete workspace of %s", id))
		log.Warn("workspace still mounted, container left running")
		return result.ErrorOrNil()
	}
	if err := e.store.RecordExit(id); err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "failed to record exit of %s", id))
	}
	return result.ErrorOrNil()
}

// abortWorkspace undoes NewWorkspace when nothing was spawned
func (e *Engine) abortWorkspace(id, volume string, cause error) error {
	result := multierror.Append(nil, cause)
	if err := e.storage.DeleteWorkspace(id, volume); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// abortProcess kills the spawned init and tears everything down
func (e *Engine) abortProcess(id, volume string, p platform.Process, cause error) error {
	result := multierror.Append(nil, cause)
	if err := e.platform.Signal(p.Pid(), unix.SIGKILL); err != nil && !stderrors.Is(err, unix.ESRCH) {
		result = multierror.Append(result, err)
	}
	if _, err := p.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if !e.store.Exists(id) {
		if err := e.cgroups.Destroy(id); err != nil {
			result = multierror.Append(result, err)
		}
		return multierror.Append(result, e.storage.DeleteWorkspace(id, volume)).ErrorOrNil()
	}
	if err := e.teardown(id, volume); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (e *Engine) kill(pid int) error {
	if err := e.platform.Signal(pid, unix.SIGKILL); err != nil && !stderrors.Is(err, unix.ESRCH) {
		return err
	}
	for i := 0; i < killWaitRetries && e.platform.Alive(pid); i++ {
		e.clock.Sleep(killWaitInterval)
	}
	return nil
}

// disconnect releases the network endpoint recorded in the command of id
func (e *Engine) disconnect(id string) error {
	if e.network == nil {
		return nil
	}
	cmd, err := e.store.GetCommand(id)
	if err != nil || cmd.Network == "" {
		return nil
	}
	return e.network.Disconnect(cmd.Network, id)
}

func (e *Engine) volumeOf(id string) string {
	v, err := e.store.GetVolume(id)
	if err != nil {
		return ""
	}
	return v
}
