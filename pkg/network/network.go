// Package network wires containers to host bridges: a driver registry, an
// IPAM bitmap allocator and veth endpoints moved into the container network
// namespace.
package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/hashicorp/go-multierror"
	"github.com/moby/sys/atomicwriter"
	"github.com/sirupsen/logrus"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// endpoint names carry this many characters of the container id
	endpointIDLen = 5

	// BridgeDriver is the name of the Linux bridge driver
	BridgeDriver = "bridge"

	// endpoints are kept under <dir>/endpoints/<network>/<container id>.json
	endpointDir = "endpoints"
)

// Network is a named subnet served by a driver
type Network struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`

	// Subnet is the network CIDR, Gateway is the bridge address in CIDR form
	Subnet  string `json:"subnet"`
	Gateway string `json:"gateway"`
}

// GatewayIP returns the bridge address
func (n *Network) GatewayIP() (net.IP, error) {
	ip, _, err := net.ParseCIDR(n.Gateway)
	if err != nil {
		return nil, fmt.Errorf("network: gateway %q %w", n.Gateway, err)
	}
	return ip, nil
}

// Endpoint is one container attachment to a network
type Endpoint struct {
	ID      string
	Network string
	Address net.IPNet

	// HostName is the veth end enslaved to the bridge, PeerName is moved into
	// the container
	HostName, PeerName string
}

// NewEndpoint names the veth pair after the container id
func NewEndpoint(network, containerID string, addr net.IPNet) *Endpoint {
	short := containerID
	if len(short) > endpointIDLen {
		short = short[:endpointIDLen]
	}
	return &Endpoint{
		ID:       containerID + "-" + network,
		Network:  network,
		Address:  addr,
		HostName: "veth" + short,
		PeerName: "cif-" + short,
	}
}

// endpointRecord is the persisted form of an Endpoint
type endpointRecord struct {
	Container string `json:"container"`
	Network   string `json:"network"`
	Address   string `json:"address"`
}

// Driver implements a network type
type Driver interface {
	Name() string
	Create(n *Network) error
	Delete(n *Network) error
	Connect(n *Network, ep *Endpoint, pid int) error
	Disconnect(n *Network, ep *Endpoint) error
}

// PidGetter resolves the init pid of a running container
type PidGetter interface {
	GetPid(id string) (int, error)
}

// Manager is the driver registry together with the persisted networks
type Manager struct {
	dir     string
	ipam    *IPAM
	pids    PidGetter
	drivers map[string]Driver
	log     logrus.FieldLogger
}

// NewManager creates manager storing networks under dir
func NewManager(dir string, ipam *IPAM, pids PidGetter, log logrus.FieldLogger, drivers ...Driver) *Manager {
	m := &Manager{
		dir:     dir,
		ipam:    ipam,
		pids:    pids,
		drivers: make(map[string]Driver),
		log:     log,
	}
	for _, d := range drivers {
		m.drivers[d.Name()] = d
	}
	return m
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.dir, name+".json")
}

// Create registers the subnet, reserves the gateway and creates the network
// through its driver
func (m *Manager) Create(name, driver, subnet string) (*Network, error) {
	d, ok := m.drivers[driver]
	if !ok {
		return nil, fmt.Errorf("network: driver %s %w", driver, errdefs.ErrNotFound)
	}
	ipNet, err := ParseSubnet(subnet)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(m.path(name)); err == nil {
		return nil, fmt.Errorf("network: %s %w", name, errdefs.ErrAlreadyExists)
	}

	if err := m.ipam.Register(name, ipNet); err != nil {
		return nil, err
	}
	gw, err := m.ipam.Allocate(name)
	if err != nil {
		return nil, err
	}
	n := &Network{
		Name:    name,
		Driver:  driver,
		Subnet:  ipNet.String(),
		Gateway: gw.String(),
	}
	if err := d.Create(n); err != nil {
		return nil, multierror.Append(fmt.Errorf("network: create %s %w", name, err), m.ipam.Unregister(name)).ErrorOrNil()
	}
	if err := m.save(n); err != nil {
		return nil, err
	}
	m.log.WithField("network", name).WithField("subnet", n.Subnet).Info("network created")
	return n, nil
}

// Load reads the network name
func (m *Manager) Load(name string) (*Network, error) {
	b, err := os.ReadFile(m.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("network: %s %w", name, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("network: read %w", err)
	}
	n := new(Network)
	if err := json.Unmarshal(b, n); err != nil {
		return nil, fmt.Errorf("network: decode %s %w", name, err)
	}
	return n, nil
}

// Connect attaches the running container to the network name
func (m *Manager) Connect(name, containerID string) error {
	n, err := m.Load(name)
	if err != nil {
		return err
	}
	d, ok := m.drivers[n.Driver]
	if !ok {
		return fmt.Errorf("network: driver %s %w", n.Driver, errdefs.ErrNotFound)
	}
	pid, err := m.pids.GetPid(containerID)
	if err != nil {
		return err
	}
	addr, err := m.ipam.Allocate(name)
	if err != nil {
		return err
	}
	ep := NewEndpoint(name, containerID, addr)
	if err := d.Connect(n, ep, pid); err != nil {
		var result *multierror.Error
		result = multierror.Append(result, fmt.Errorf("network: connect %s %w", containerID, err))
		result = multierror.Append(result, m.ipam.Release(name, addr.IP))
		return result.ErrorOrNil()
	}
	if err := m.saveEndpoint(containerID, ep); err != nil {
		var result *multierror.Error
		result = multierror.Append(result, err)
		result = multierror.Append(result, d.Disconnect(n, ep))
		result = multierror.Append(result, m.ipam.Release(name, addr.IP))
		return result.ErrorOrNil()
	}
	m.log.WithFields(logrus.Fields{
		"network":   name,
		"container": containerID,
		"address":   addr.String(),
	}).Info("container connected")
	return nil
}

// Disconnect removes the endpoint of containerID from the network name and
// releases its address. A container without endpoint is left as is.
func (m *Manager) Disconnect(name, containerID string) error {
	b, err := os.ReadFile(m.endpointPath(name, containerID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("network: read endpoint %w", err)
	}
	var r endpointRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return fmt.Errorf("network: decode endpoint %w", err)
	}
	ip, ipNet, err := net.ParseCIDR(r.Address)
	if err != nil {
		return fmt.Errorf("network: endpoint address %q %w", r.Address, err)
	}
	ep := NewEndpoint(name, containerID, net.IPNet{IP: ip, Mask: ipNet.Mask})

	n, err := m.Load(name)
	switch {
	case errdefs.IsNotFound(err):
		// network removed together with its pool
		return m.removeEndpoint(name, containerID)
	case err != nil:
		return err
	}
	if d, ok := m.drivers[n.Driver]; ok {
		if err := d.Disconnect(n, ep); err != nil {
			return fmt.Errorf("network: disconnect %s %w", containerID, err)
		}
	}
	if err := m.ipam.Release(name, ip); err != nil {
		return err
	}
	if err := m.removeEndpoint(name, containerID); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"network":   name,
		"container": containerID,
		"address":   r.Address,
	}).Info("container disconnected")
	return nil
}

// Remove deletes the network name through its driver and drops its pool.
// A network with connected containers is refused.
func (m *Manager) Remove(name string) error {
	n, err := m.Load(name)
	if err != nil {
		return err
	}
	eps, err := os.ReadDir(filepath.Join(m.dir, endpointDir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("network: read endpoints %w", err)
	}
	if len(eps) > 0 {
		return fmt.Errorf("network: %s has %d endpoints %w", name, len(eps), errdefs.ErrFailedPrecondition)
	}
	d, ok := m.drivers[n.Driver]
	if !ok {
		return fmt.Errorf("network: driver %s %w", n.Driver, errdefs.ErrNotFound)
	}
	if err := d.Delete(n); err != nil {
		return fmt.Errorf("network: delete %s %w", name, err)
	}
	if err := m.ipam.Unregister(name); err != nil {
		return err
	}
	if err := os.Remove(m.path(name)); err != nil {
		return fmt.Errorf("network: remove %w", err)
	}
	if err := os.RemoveAll(filepath.Join(m.dir, endpointDir, name)); err != nil {
		return fmt.Errorf("network: remove endpoints %w", err)
	}
	m.log.WithField("network", name).Info("network removed")
	return nil
}

func (m *Manager) endpointPath(name, containerID string) string {
	return filepath.Join(m.dir, endpointDir, name, containerID+".json")
}

func (m *Manager) saveEndpoint(containerID string, ep *Endpoint) error {
	b, err := json.Marshal(endpointRecord{
		Container: containerID,
		Network:   ep.Network,
		Address:   ep.Address.String(),
	})
	if err != nil {
		return fmt.Errorf("network: encode endpoint %w", err)
	}
	p := m.endpointPath(ep.Network, containerID)
	if err := os.MkdirAll(filepath.Dir(p), dirPerm); err != nil {
		return fmt.Errorf("network: mkdir %w", err)
	}
	if err := atomicwriter.WriteFile(p, b, filePerm); err != nil {
		return fmt.Errorf("network: write endpoint %w", err)
	}
	return nil
}

func (m *Manager) removeEndpoint(name, containerID string) error {
	if err := os.Remove(m.endpointPath(name, containerID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("network: remove endpoint %w", err)
	}
	return nil
}

func (m *Manager) save(n *Network) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("network: encode %w", err)
	}
	if err := os.MkdirAll(m.dir, dirPerm); err != nil {
		return fmt.Errorf("network: mkdir %w", err)
	}
	if err := atomicwriter.WriteFile(m.path(n.Name), b, filePerm); err != nil {
		return fmt.Errorf("network: write %w", err)
	}
	return nil
}
