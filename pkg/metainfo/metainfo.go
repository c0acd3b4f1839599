// Package metainfo persists container identity, command, pid and status as
// one config.json document per container id.
package metainfo

// Status of a container
type Status string

// Status values stored in config.json
const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// RunCommand is how a container was requested to run
type RunCommand struct {
	CPU     *uint64  `json:"cpu"`
	Mem     *string  `json:"mem"`
	Volume  *string  `json:"volume"`
	Detach  bool     `json:"detach"`
	Image   string   `json:"image"`
	Command string   `json:"command"`
	Args    []string `json:"args"`

	// Network is joined again on every start
	Network string `json:"network,omitempty"`
}

// VolumeSpec returns the volume spec or empty
func (c *RunCommand) VolumeSpec() string {
	if c.Volume == nil {
		return ""
	}
	return *c.Volume
}

// Metainfo is the durable record of a container
type Metainfo struct {
	// Pid is present only while the container is believed running
	Pid     *int       `json:"pid"`
	ID      string     `json:"id"`
	Command RunCommand `json:"command"`
	Status  Status     `json:"status"`
}

// IsRunning reports the recorded status
func (m *Metainfo) IsRunning() bool {
	return m.Status == StatusRunning
}
