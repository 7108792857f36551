package network

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type Family int

const (
	V4 Family = 4
	V6 Family = 6
)

// Route is a unicast route of the main table.
type Route struct {
	Family Family
	// Destination is empty for the default route.
	Destination string
	Gateway     string
	Dev         string
	// Protocol is dhcp, ra, static, boot, kernel or the numeric protocol for anything else.
	Protocol string
	Metric   int
}

// Address is a global scope address.
type Address struct {
	Family Family
	Dev    string
	CIDR   string
}

// HostNetwork exposes the routing and addressing state of the host.
type HostNetwork interface {
	Routes() ([]Route, error)
	Addresses() ([]Address, error)
}

// NetlinkHost reads the state from the kernel.
type NetlinkHost struct {
	names map[int]string
}

func NewNetlinkHost() *NetlinkHost {
	return &NetlinkHost{names: map[int]string{}}
}

func (h *NetlinkHost) linkName(index int) (string, error) {
	if n, ok := h.names[index]; ok {
		return n, nil
	}
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return "", err
	}
	h.names[index] = link.Attrs().Name
	return h.names[index], nil
}

func (h *NetlinkHost) Routes() ([]Route, error) {
	var res []Route
	for _, fam := range []Family{V4, V6} {
		routes, err := netlink.RouteList(nil, netlinkFamily(fam))
		if err != nil {
			return nil, fmt.Errorf("listing ipv%d routes: %w", fam, err)
		}
		for _, r := range routes {
			if r.Type != unix.RTN_UNICAST || r.LinkIndex == 0 {
				continue
			}
			dev, err := h.linkName(r.LinkIndex)
			if err != nil {
				continue
			}
			route := Route{
				Family:   fam,
				Dev:      dev,
				Protocol: protocolName(int(r.Protocol)),
				Metric:   r.Priority,
			}
			if r.Dst != nil && !isDefault(r.Dst) {
				route.Destination = r.Dst.String()
			}
			if r.Gw != nil {
				route.Gateway = r.Gw.String()
			}
			res = append(res, route)
		}
	}
	return res, nil
}

func (h *NetlinkHost) Addresses() ([]Address, error) {
	var res []Address
	for _, fam := range []Family{V4, V6} {
		addrs, err := netlink.AddrList(nil, netlinkFamily(fam))
		if err != nil {
			return nil, fmt.Errorf("listing ipv%d addresses: %w", fam, err)
		}
		for _, a := range addrs {
			if a.Scope != unix.RT_SCOPE_UNIVERSE || a.IPNet == nil {
				continue
			}
			dev, err := h.linkName(a.LinkIndex)
			if err != nil {
				continue
			}
			res = append(res, Address{Family: fam, Dev: dev, CIDR: a.IPNet.String()})
		}
	}
	return res, nil
}

func netlinkFamily(f Family) int {
	if f == V6 {
		return netlink.FAMILY_V6
	}
	return netlink.FAMILY_V4
}

func isDefault(n *net.IPNet) bool {
	ones, _ := n.Mask.Size()
	return ones == 0 && n.IP.IsUnspecified()
}

func protocolName(p int) string {
	switch p {
	case unix.RTPROT_DHCP:
		return "dhcp"
	case unix.RTPROT_RA:
		return "ra"
	case unix.RTPROT_STATIC:
		return "static"
	case unix.RTPROT_BOOT:
		return "boot"
	case unix.RTPROT_KERNEL:
		return "kernel"
	default:
		return fmt.Sprintf("%d", p)
	}
}
