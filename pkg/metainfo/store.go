package metainfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/containerd/errdefs"
	"github.com/moby/sys/atomicwriter"
)

const (
	configName = "config.json"
	logName    = "container.log"

	// IDLength is the number of digits of a generated id
	IDLength = 10

	filePerm = 0644
	dirPerm  = 0755
)

// Store keeps one directory per container under its root
//
// Every update reads, modifies and overwrites the whole document. There is no
// locking: operations on the same id must be serialized by the caller.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir (e.g. /root/.mydocker/containers)
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Dir returns the per-container directory
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) configPath(id string) string {
	return filepath.Join(s.root, id, configName)
}

// LogPath returns the per-container log file path
func (s *Store) LogPath(id string) string {
	return filepath.Join(s.root, id, logName)
}

// OpenLog opens the log in append mode, creating it if absent
func (s *Store) OpenLog(id string) (*os.File, error) {
	if err := os.MkdirAll(s.Dir(id), dirPerm); err != nil {
		return nil, fmt.Errorf("metainfo: mkdir %w", err)
	}
	f, err := os.OpenFile(s.LogPath(id), os.O_WRONLY|os.O_APPEND|os.O_CREATE, filePerm)
	if err != nil {
		return nil, fmt.Errorf("metainfo: open log %w", err)
	}
	return f, nil
}

// GenerateID returns a fresh numeric id not yet known to the store
func (s *Store) GenerateID() string {
	b := make([]byte, IDLength)
	for {
		for i := range b {
			b[i] = byte('0' + rand.Intn(10))
		}
		if id := string(b); !s.Exists(id) {
			return id
		}
	}
}

// Init creates the record of a running container
func (s *Store) Init(id string, pid int, cmd RunCommand) error {
	if err := os.MkdirAll(s.Dir(id), dirPerm); err != nil {
		return fmt.Errorf("metainfo: mkdir %w", err)
	}
	return s.write(&Metainfo{
		Pid:     &pid,
		ID:      id,
		Command: cmd,
		Status:  StatusRunning,
	})
}

// RecordRunning sets status to running with the new pid
func (s *Store) RecordRunning(id string, pid int) error {
	return s.update(id, func(m *Metainfo) {
		m.Status = StatusRunning
		m.Pid = &pid
	})
}

// RecordExit sets status to exited and clears the pid
func (s *Store) RecordExit(id string) error {
	return s.update(id, func(m *Metainfo) {
		m.Status = StatusExited
		m.Pid = nil
	})
}

// Delete removes the container directory including its log, it is only valid
// when the record is absent or exited
func (s *Store) Delete(id string) error {
	m, err := s.Get(id)
	switch {
	case errdefs.IsNotFound(err):
	case err != nil:
		return err
	case m.IsRunning():
		return fmt.Errorf("metainfo: container %s is running %w", id, errdefs.ErrFailedPrecondition)
	}
	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("metainfo: remove %w", err)
	}
	return nil
}

// Exists reports whether a record exists for id
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.configPath(id))
	return err == nil
}

// IsRunning reports whether the record status is running
func (s *Store) IsRunning(id string) (bool, error) {
	m, err := s.Get(id)
	if err != nil {
		return false, err
	}
	return m.IsRunning(), nil
}

// GetPid returns the recorded pid, failing when the container is not running
func (s *Store) GetPid(id string) (int, error) {
	m, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	if m.Pid == nil {
		return 0, fmt.Errorf("metainfo: container %s has no pid %w", id, errdefs.ErrFailedPrecondition)
	}
	return *m.Pid, nil
}

// GetVolume returns the volume spec or empty if none was given
func (s *Store) GetVolume(id string) (string, error) {
	m, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return m.Command.VolumeSpec(), nil
}

// GetCommand returns the command the container was run with
func (s *Store) GetCommand(id string) (RunCommand, error) {
	m, err := s.Get(id)
	if err != nil {
		return RunCommand{}, err
	}
	return m.Command, nil
}

// Get reads the record of id
func (s *Store) Get(id string) (*Metainfo, error) {
	b, err := os.ReadFile(s.configPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("metainfo: container %s %w", id, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("metainfo: read %w", err)
	}
	m := new(Metainfo)
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("metainfo: decode %s %w", id, err)
	}
	return m, nil
}

// List returns every record sorted by id, directories without a record are
// skipped
func (s *Store) List() ([]Metainfo, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metainfo: list %w", err)
	}
	var ret []Metainfo
	for _, e := range entries {
		if !e.IsDir() || !s.Exists(e.Name()) {
			continue
		}
		m, err := s.Get(e.Name())
		if err != nil {
			return nil, err
		}
		ret = append(ret, *m)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID < ret[j].ID
	})
	return ret, nil
}

func (s *Store) update(id string, fn func(*Metainfo)) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}
	fn(m)
	return s.write(m)
}

func (s *Store) write(m *Metainfo) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("metainfo: encode %w", err)
	}
	if err := atomicwriter.WriteFile(s.configPath(m.ID), b, filePerm); err != nil {
		return fmt.Errorf("metainfo: write %w", err)
	}
	return nil
}
