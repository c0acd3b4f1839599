package network

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// Bridge is the linux bridge driver
type Bridge struct{}

var _ Driver = Bridge{}

// Name implements Driver
func (Bridge) Name() string {
	return BridgeDriver
}

// Create adds a bridge named after the network with the gateway address
func (Bridge) Create(n *Network) error {
	gw, err := netlink.ParseAddr(n.Gateway)
	if err != nil {
		return fmt.Errorf("bridge: gateway %q %w", n.Gateway, err)
	}
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: n.Name}}
	if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("bridge: add %s %w", n.Name, err)
	}
	link, err := netlink.LinkByName(n.Name)
	if err != nil {
		return fmt.Errorf("bridge: find %s %w", n.Name, err)
	}
	if err := netlink.AddrAdd(link, gw); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("bridge: address %s on %s %w", n.Gateway, n.Name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bridge: set %s up %w", n.Name, err)
	}
	return nil
}

// Delete removes the bridge, a missing bridge is already deleted
func (Bridge) Delete(n *Network) error {
	return deleteLink(n.Name)
}

// Connect creates the veth pair, enslaves the host end to the bridge and
// configures the peer inside the network namespace of pid
func (Bridge) Connect(n *Network, ep *Endpoint, pid int) error {
	br, err := netlink.LinkByName(n.Name)
	if err != nil {
		return fmt.Errorf("bridge: find %s %w", n.Name, err)
	}
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{
			Name:        ep.HostName,
			MasterIndex: br.Attrs().Index,
		},
		PeerName: ep.PeerName,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("bridge: add veth %s %w", ep.HostName, err)
	}
	if err := netlink.LinkSetUp(veth); err != nil {
		return fmt.Errorf("bridge: set %s up %w", ep.HostName, err)
	}

	peer, err := netlink.LinkByName(ep.PeerName)
	if err != nil {
		return fmt.Errorf("bridge: find peer %s %w", ep.PeerName, err)
	}
	ns, err := netns.GetFromPid(pid)
	if err != nil {
		return fmt.Errorf("bridge: netns of %d %w", pid, err)
	}
	defer ns.Close()
	if err := netlink.LinkSetNsFd(peer, int(ns)); err != nil {
		return fmt.Errorf("bridge: move %s %w", ep.PeerName, err)
	}

	gw, err := n.GatewayIP()
	if err != nil {
		return err
	}
	return configurePeer(ns, ep, gw)
}

// configurePeer works through a handle bound to ns, no thread switches
// namespace
func configurePeer(ns netns.NsHandle, ep *Endpoint, gw net.IP) error {
	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("bridge: netlink handle %w", err)
	}
	defer h.Close()

	link, err := h.LinkByName(ep.PeerName)
	if err != nil {
		return fmt.Errorf("bridge: find %s in container %w", ep.PeerName, err)
	}
	addr := ep.Address
	if err := h.AddrAdd(link, &netlink.Addr{IPNet: &addr}); err != nil {
		return fmt.Errorf("bridge: address %s %w", addr.String(), err)
	}
	if err := h.LinkSetUp(link); err != nil {
		return fmt.Errorf("bridge: set %s up %w", ep.PeerName, err)
	}
	lo, err := h.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("bridge: find lo %w", err)
	}
	if err := h.LinkSetUp(lo); err != nil {
		return fmt.Errorf("bridge: set lo up %w", err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Scope:     netlink.SCOPE_UNIVERSE,
		Gw:        gw,
	}
	if err := h.RouteAdd(route); err != nil {
		return fmt.Errorf("bridge: default route via %s %w", gw, err)
	}
	return nil
}

// Disconnect deletes the host end, which removes the peer as well. The pair
// is already gone when the container network namespace was destroyed.
func (Bridge) Disconnect(n *Network, ep *Endpoint) error {
	return deleteLink(ep.HostName)
}

func deleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bridge: find %s %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("bridge: delete %s %w", name, err)
	}
	return nil
}
