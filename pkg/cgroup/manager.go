package cgroup

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"golang.org/x/sys/unix"
)

// Manager creates, configures and removes per container groups directly
// under the root of the unified hierarchy
type Manager struct {
	root string
}

// NewManager creates a manager rooted at root, empty means DefaultRoot
func NewManager(root string) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	return &Manager{root: root}
}

// Group returns the group handle for id without touching the file system
func (m *Manager) Group(id string) *Group {
	return &Group{path: path.Join(m.root, id)}
}

// Create makes the group directory for id
func (m *Manager) Create(id string) error {
	g := m.Group(id)
	if err := os.Mkdir(g.path, dirPerm); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("cgroup: create %s %w", id, err)
	}
	return nil
}

// Apply writes every configured controller limit of r into the group of id
func (m *Manager) Apply(id string, r ResourceConfig) error {
	g := m.Group(id)
	var need []Controller
	for _, c := range Controllers {
		if c.enabled(&r) {
			need = append(need, c)
		}
	}
	if len(need) == 0 {
		return nil
	}
	if err := m.enableControllers(need); err != nil {
		return fmt.Errorf("cgroup: enable controllers %w", err)
	}
	for _, c := range need {
		if err := c.set(g, &r); err != nil {
			return fmt.Errorf("cgroup: set %v for %s %w", c, id, err)
		}
	}
	return nil
}

// AddProcess attaches pid to the group of id
func (m *Manager) AddProcess(id string, pid int) error {
	if err := m.Group(id).AddProc(pid); err != nil {
		return fmt.Errorf("cgroup: add process %d to %s %w", pid, id, err)
	}
	return nil
}

// Destroy removes the group of id, a missing group is not an error
func (m *Manager) Destroy(id string) error {
	if err := m.Group(id).Destroy(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cgroup: destroy %s %w", id, err)
	}
	return nil
}

// ReadMemoryEvents reads the local memory event counters of the group
func (m *Manager) ReadMemoryEvents(id string) (MemoryEvents, error) {
	e, err := m.Group(id).MemoryEvents()
	if err != nil {
		return nil, fmt.Errorf("cgroup: read memory events of %s %w", id, err)
	}
	return e, nil
}

// enableControllers ensures the root delegates the controllers to its children
func (m *Manager) enableControllers(cs []Controller) error {
	p := path.Join(m.root, cgroupSubtreeControl)
	b, err := readFile(p)
	if err != nil {
		return err
	}
	enabled := make(map[string]bool)
	for _, f := range strings.Fields(string(b)) {
		enabled[f] = true
	}
	var missing []string
	for _, c := range cs {
		if !enabled[c.String()] {
			missing = append(missing, c.String())
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return writeFile(p, []byte("+"+strings.Join(missing, " +")))
}

// IsUnified reports whether root is mounted as cgroup v2
func IsUnified(root string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return false
	}
	return st.Type == unix.CGROUP2_SUPER_MAGIC
}
