package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/moby/sys/atomicwriter"
)

// pool is the allocation bitmap of one subnet, bit i stands for the address
// base+i
type pool struct {
	Subnet string `json:"subnet"`
	Bitmap []byte `json:"bitmap"`
}

// IPAM allocates addresses from per-network subnets persisted as a single
// JSON document
type IPAM struct {
	path string
}

// NewIPAM creates allocator stored at path (e.g. network/ipam/subnet.json)
func NewIPAM(path string) *IPAM {
	return &IPAM{path: path}
}

// ParseSubnet parses an IPv4 CIDR with room for at least one host
func ParseSubnet(cidr string) (*net.IPNet, error) {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("network: subnet %q %v %w", cidr, err, errdefs.ErrInvalidArgument)
	}
	ones, bits := n.Mask.Size()
	if n.IP.To4() == nil || bits != 32 || ones > 30 {
		return nil, fmt.Errorf("network: subnet %q must be IPv4 with prefix <= 30 %w", cidr, errdefs.ErrInvalidArgument)
	}
	return n, nil
}

func newPool(subnet *net.IPNet) *pool {
	ones, bits := subnet.Mask.Size()
	size := 1 << (bits - ones)
	p := &pool{
		Subnet: subnet.String(),
		Bitmap: make([]byte, (size+7)/8),
	}
	// network and broadcast addresses
	p.set(0)
	p.set(size - 1)
	return p
}

func (p *pool) set(i int) { p.Bitmap[i/8] |= 1 << (i % 8) }
func (p *pool) clear(i int) { p.Bitmap[i/8] &^= 1 << (i % 8) }
func (p *pool) isSet(i int) bool { return p.Bitmap[i/8]&(1<<(i%8)) != 0 }

func (p *pool) subnet() (*net.IPNet, int, error) {
	_, n, err := net.ParseCIDR(p.Subnet)
	if err != nil {
		return nil, 0, err
	}
	ones, bits := n.Mask.Size()
	return n, 1 << (bits - ones), nil
}

func (p *pool) allocate() (net.IPNet, error) {
	n, size, err := p.subnet()
	if err != nil {
		return net.IPNet{}, err
	}
	for i := 1; i < size-1; i++ {
		if !p.isSet(i) {
			p.set(i)
			return net.IPNet{IP: offset(n.IP, i), Mask: n.Mask}, nil
		}
	}
	return net.IPNet{}, fmt.Errorf("network: subnet %s exhausted %w", p.Subnet, errdefs.ErrResourceExhausted)
}

func (p *pool) release(ip net.IP) error {
	n, size, err := p.subnet()
	if err != nil {
		return err
	}
	if !n.Contains(ip) {
		return fmt.Errorf("network: %s not in %s %w", ip, p.Subnet, errdefs.ErrInvalidArgument)
	}
	i := int(toUint32(ip) - toUint32(n.IP))
	if i == 0 || i == size-1 {
		return nil
	}
	p.clear(i)
	return nil
}

// Register creates the pool of network name
func (a *IPAM) Register(name string, subnet *net.IPNet) error {
	pools, err := a.load()
	if err != nil {
		return err
	}
	pools[name] = newPool(subnet)
	return a.dump(pools)
}

// Unregister drops the pool of network name
func (a *IPAM) Unregister(name string) error {
	pools, err := a.load()
	if err != nil {
		return err
	}
	delete(pools, name)
	return a.dump(pools)
}

// Allocate returns the lowest free address of network name
func (a *IPAM) Allocate(name string) (net.IPNet, error) {
	pools, err := a.load()
	if err != nil {
		return net.IPNet{}, err
	}
	p, ok := pools[name]
	if !ok {
		return net.IPNet{}, fmt.Errorf("network: no subnet for %s %w", name, errdefs.ErrNotFound)
	}
	ip, err := p.allocate()
	if err != nil {
		return net.IPNet{}, err
	}
	return ip, a.dump(pools)
}

// Release returns ip to the pool of network name
func (a *IPAM) Release(name string, ip net.IP) error {
	pools, err := a.load()
	if err != nil {
		return err
	}
	p, ok := pools[name]
	if !ok {
		return fmt.Errorf("network: no subnet for %s %w", name, errdefs.ErrNotFound)
	}
	if err := p.release(ip); err != nil {
		return err
	}
	return a.dump(pools)
}

func (a *IPAM) load() (map[string]*pool, error) {
	pools := make(map[string]*pool)
	b, err := os.ReadFile(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return pools, nil
	}
	if err != nil {
		return nil, fmt.Errorf("network: read ipam %w", err)
	}
	if err := json.Unmarshal(b, &pools); err != nil {
		return nil, fmt.Errorf("network: decode ipam %w", err)
	}
	return pools, nil
}

func (a *IPAM) dump(pools map[string]*pool) error {
	b, err := json.Marshal(pools)
	if err != nil {
		return fmt.Errorf("network: encode ipam %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.path), dirPerm); err != nil {
		return fmt.Errorf("network: mkdir ipam %w", err)
	}
	if err := atomicwriter.WriteFile(a.path, b, filePerm); err != nil {
		return fmt.Errorf("network: write ipam %w", err)
	}
	return nil
}

func toUint32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func offset(base net.IP, i int) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, toUint32(base)+uint32(i))
	return ip
}
