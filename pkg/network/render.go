package network

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
)

const (
	NetworkdDir  = "/etc/systemd/network"
	NetifrcFile  = "/etc/conf.d/net"
	SysctlFile   = "/etc/sysctl.d/50-" + constants.ConfigFragmentName + "-net.conf"
	unitPriority = "50"
)

// Rendered holds the files of both dialects, keyed by absolute path inside the target root.
type Rendered struct {
	Networkd map[string]string
	OpenRC   map[string]string
}

func Render(ifaces []schema.NetworkInterface) (Rendered, error) {
	r := Rendered{Networkd: map[string]string{}, OpenRC: map[string]string{}}
	var conf, sysctl strings.Builder
	conf.WriteString("# Generated by gentoo-inplace\n")
	sysctl.WriteString("# Generated by gentoo-inplace\n")

	for _, n := range ifaces {
		u, err := NetworkdUnit(n)
		if err != nil {
			return r, err
		}
		r.Networkd[filepath.Join(NetworkdDir, fmt.Sprintf("%s-%s.network", unitPriority, n.Name))] = u
		conf.WriteString(netifrc(n))

		acceptRA := 0
		if n.IPv6.Protocol == schema.ProtoRA {
			acceptRA = 1
		}
		fmt.Fprintf(&sysctl, "net.ipv6.conf.%s.accept_ra = %d\n", n.Name, acceptRA)
	}
	r.OpenRC[NetifrcFile] = conf.String()
	r.OpenRC[SysctlFile] = sysctl.String()
	return r, nil
}

func dhcpValue(n schema.NetworkInterface) string {
	v4 := n.IPv4.Protocol == schema.ProtoDHCP
	v6 := n.IPv6.Protocol == schema.ProtoDHCP
	switch {
	case v4 && v6:
		return "yes"
	case v4:
		return "ipv4"
	case v6:
		return "ipv6"
	default:
		return "no"
	}
}

// NetworkdUnit renders a systemd-networkd .network unit. Every [Route] is its own section,
// unit.Serialize merges options of equally named sections so each section is serialized alone.
func NetworkdUnit(n schema.NetworkInterface) (string, error) {
	sections := [][]*unit.UnitOption{
		{unit.NewUnitOption("Match", "Name", n.Name)},
	}

	network := []*unit.UnitOption{unit.NewUnitOption("Network", "DHCP", dhcpValue(n))}
	for _, c := range []schema.IPConfig{n.IPv4, n.IPv6} {
		if c.Protocol != schema.ProtoStatic {
			continue
		}
		for _, a := range c.Addresses {
			network = append(network, unit.NewUnitOption("Network", "Address", a))
		}
		if c.Gateway != "" {
			network = append(network, unit.NewUnitOption("Network", "Gateway", c.Gateway))
		}
	}
	acceptRA := "no"
	if n.IPv6.Protocol == schema.ProtoRA {
		acceptRA = "yes"
	}
	network = append(network, unit.NewUnitOption("Network", "IPv6AcceptRA", acceptRA))
	sections = append(sections, network)

	for _, c := range []schema.IPConfig{n.IPv4, n.IPv6} {
		for _, rt := range c.Routes {
			route := []*unit.UnitOption{unit.NewUnitOption("Route", "Destination", rt.Destination)}
			if rt.Gateway != "" {
				route = append(route, unit.NewUnitOption("Route", "Gateway", rt.Gateway))
			}
			if rt.Metric != 0 {
				route = append(route, unit.NewUnitOption("Route", "Metric", strconv.Itoa(rt.Metric)))
			}
			sections = append(sections, route)
		}
	}

	var out []string
	for _, s := range sections {
		b, err := io.ReadAll(unit.Serialize(s))
		if err != nil {
			return "", err
		}
		out = append(out, strings.TrimRight(string(b), "\n"))
	}
	return strings.Join(out, "\n\n") + "\n", nil
}

// netifrc renders the config_ and routes_ variables of /etc/conf.d/net.
func netifrc(n schema.NetworkInterface) string {
	var config, routes []string
	for _, c := range []schema.IPConfig{n.IPv4, n.IPv6} {
		switch c.Protocol {
		case schema.ProtoDHCP:
			config = append(config, "dhcp")
		case schema.ProtoStatic:
			config = append(config, c.Addresses...)
			if c.Gateway != "" {
				routes = append(routes, "default via "+c.Gateway)
			}
		}
		for _, rt := range c.Routes {
			r := rt.Destination
			if rt.Gateway != "" {
				r += " via " + rt.Gateway
			}
			if rt.Metric != 0 {
				r += " metric " + strconv.Itoa(rt.Metric)
			}
			routes = append(routes, r)
		}
	}
	config = internalUtils.UniqueSlice(config)
	if len(config) == 0 {
		config = []string{"null"}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "config_%s=\"%s\"\n", netifrcName(n.Name), strings.Join(config, "\n"))
	if len(routes) > 0 {
		fmt.Fprintf(&b, "routes_%s=\"%s\"\n", netifrcName(n.Name), strings.Join(routes, "\n"))
	}
	return b.String()
}

// netifrc variables can not carry dashes or dots.
func netifrcName(name string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(name)
}
