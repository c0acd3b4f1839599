// Package engine is the lifecycle state machine of containers:
//
//	Absent -run-> Running -(stop | exit)-> Exited -start-> Running ... -rm-> Absent
//
// It composes the overlay storage, the isolated spawn, the cgroup controller
// and the state store. Operations are synchronous and must be serialized per
// container id by the caller.
package engine

import (
	"time"

	"github.com/containerd/errdefs"
	"github.com/criyle/minidocker/pkg/cgroup"
	"github.com/criyle/minidocker/pkg/metainfo"
	"github.com/criyle/minidocker/pkg/overlay"
	"github.com/criyle/minidocker/pkg/platform"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL
const DefaultStopTimeout = 5 * time.Second

const (
	killWaitRetries  = 50
	killWaitInterval = 10 * time.Millisecond
)

// Storage builds and tears down container workspaces
type Storage interface {
	NewWorkspace(id, image, volume string) (overlay.Workspace, error)
	DeleteWorkspace(id, volume string) error
	Remove(id string) error
	Commit(id, image string) error
}

// Cgroups limits container resources
type Cgroups interface {
	Create(id string) error
	Apply(id string, r cgroup.ResourceConfig) error
	AddProcess(id string, pid int) error
	Destroy(id string) error
	ReadMemoryEvents(id string) (cgroup.MemoryEvents, error)
}

// Networks attaches running containers to networks
type Networks interface {
	Connect(name, containerID string) error

	// Disconnect releases the endpoint of containerID, a missing endpoint
	// is not an error
	Disconnect(name, containerID string) error
}

// Options are the collaborators of an Engine
type Options struct {
	Store    *metainfo.Store
	Storage  Storage
	Cgroups  Cgroups
	Platform platform.Platform

	// Network is optional, without it network names are ignored
	Network Networks

	// Clock defaults to the real clock
	Clock clockwork.Clock

	// StopTimeout defaults to DefaultStopTimeout
	StopTimeout time.Duration

	// Seccomp loads the default syscall filter inside containers
	Seccomp bool

	Logger logrus.FieldLogger
}

// Engine runs and manages containers
type Engine struct {
	store       *metainfo.Store
	storage     Storage
	cgroups     Cgroups
	platform    platform.Platform
	network     Networks
	clock       clockwork.Clock
	stopTimeout time.Duration
	seccomp     bool
	log         logrus.FieldLogger
}

// New creates an Engine
func New(o Options) *Engine {
	e := &Engine{
		store:       o.Store,
		storage:     o.Storage,
		cgroups:     o.Cgroups,
		platform:    o.Platform,
		network:     o.Network,
		clock:       o.Clock,
		stopTimeout: o.StopTimeout,
		seccomp:     o.Seccomp,
		log:         o.Logger,
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.stopTimeout <= 0 {
		e.stopTimeout = DefaultStopTimeout
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	return e
}

// IsStateConflict reports whether err is an operation not legal in the
// current container status (already running, not running)
func IsStateConflict(err error) bool {
	return errdefs.IsFailedPrecondition(err)
}

func stateConflict(format string, args ...interface{}) error {
	return errors.Wrapf(errdefs.ErrFailedPrecondition, format, args...)
}

func (e *Engine) logger(id string) logrus.FieldLogger {
	return e.log.WithField("container", id)
}

// mustExist returns NotFound for unknown containers
func (e *Engine) mustExist(id string) error {
	if !e.store.Exists(id) {
		return errors.Wrapf(errdefs.ErrNotFound, "no such container %s", id)
	}
	return nil
}
