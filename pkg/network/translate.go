package network

import (
	"context"
	"sort"
	"strings"

	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
)

const source = "network"

// AliasResolver returns the predictable name of a legacy named interface.
type AliasResolver interface {
	Alias(ctx context.Context, ifname string) (string, bool)
}

// Result holds one record per configured interface.
type Result struct {
	Interfaces []schema.NetworkInterface
	// LegacyNames is set when some interface keeps its eth/wlan name and the kernel must not rename it.
	LegacyNames bool
	Diagnostics schema.Diagnostics
}

type Translator struct {
	Host    HostNetwork
	Aliases AliasResolver
}

func (t *Translator) Translate(ctx context.Context) (Result, error) {
	routes, err := t.Host.Routes()
	if err != nil {
		return Result{}, err
	}
	addrs, err := t.Host.Addresses()
	if err != nil {
		return Result{}, err
	}
	return Translate(ctx, routes, addrs, t.Aliases), nil
}

// Rank orders interface names by how likely they are the physical uplink, lower first.
func Rank(name string) int {
	switch {
	case strings.HasPrefix(name, "en"):
		return 0
	case strings.HasPrefix(name, "wlan"):
		return 3
	case strings.HasPrefix(name, "wl"):
		return 1
	case strings.HasPrefix(name, "eth"):
		return 2
	default:
		return 4
	}
}

func isLegacy(name string) bool {
	return strings.HasPrefix(name, "eth") || strings.HasPrefix(name, "wlan")
}

func primary(routes []Route, fam Family) *Route {
	var best *Route
	for i := range routes {
		r := &routes[i]
		if r.Family != fam || r.Destination != "" {
			continue
		}
		if best == nil || less(r, best) {
			best = r
		}
	}
	return best
}

func less(a, b *Route) bool {
	if Rank(a.Dev) != Rank(b.Dev) {
		return Rank(a.Dev) < Rank(b.Dev)
	}
	if a.Metric != b.Metric {
		return a.Metric < b.Metric
	}
	return a.Dev < b.Dev
}

func protocolOf(p string, fam Family) schema.Protocol {
	switch p {
	case "dhcp":
		return schema.ProtoDHCP
	case "ra":
		if fam == V6 {
			return schema.ProtoRA
		}
		return schema.ProtoDHCP
	default:
		return schema.ProtoStatic
	}
}

func carriesProtocol(p string) bool {
	return p == "dhcp" || p == "static" || p == "boot" || p == "ra"
}

// Translate builds the interface records from the host routes and addresses.
func Translate(ctx context.Context, routes []Route, addrs []Address, aliases AliasResolver) Result {
	var res Result
	records := map[string]*schema.NetworkInterface{}
	get := func(name string) *schema.NetworkInterface {
		if r, ok := records[name]; ok {
			return r
		}
		records[name] = &schema.NetworkInterface{Name: name}
		return records[name]
	}
	cfg := func(n *schema.NetworkInterface, fam Family) *schema.IPConfig {
		if fam == V6 {
			return &n.IPv6
		}
		return &n.IPv4
	}

	primaries := map[string]bool{}
	for _, fam := range []Family{V4, V6} {
		p := primary(routes, fam)
		if p == nil {
			continue
		}
		primaries[p.Dev] = true
		c := cfg(get(p.Dev), fam)
		c.Protocol = protocolOf(p.Protocol, fam)
		if c.Protocol == schema.ProtoStatic {
			c.Gateway = p.Gateway
		}
		internalUtils.Log.Debug().Str("dev", p.Dev).Int("family", int(fam)).Str("protocol", string(c.Protocol)).Msg("Primary interface")
	}

	carrying := map[string]bool{}
	for _, r := range routes {
		if carriesProtocol(r.Protocol) {
			carrying[r.Dev] = true
		}
	}

	for _, r := range routes {
		if r.Destination == "" || r.Protocol == "kernel" {
			continue
		}
		if !primaries[r.Dev] && !carrying[r.Dev] {
			internalUtils.Log.Debug().Str("dev", r.Dev).Str("dst", r.Destination).Msg("Ignoring route of unmanaged interface")
			continue
		}
		c := cfg(get(r.Dev), r.Family)
		if c.Protocol == schema.ProtoNone {
			c.Protocol = protocolOf(r.Protocol, r.Family)
		}
		// configured routes are kept even next to a dhcp address, leases bring their own
		if c.Protocol == schema.ProtoStatic || r.Protocol == "static" || r.Protocol == "boot" {
			c.Routes = append(c.Routes, schema.Route{Destination: r.Destination, Gateway: r.Gateway, Metric: r.Metric})
		}
	}

	for _, a := range addrs {
		n, ok := records[a.Dev]
		if !ok {
			continue
		}
		c := cfg(n, a.Family)
		if c.Protocol != schema.ProtoStatic {
			continue
		}
		if a.Family == V6 && strings.HasPrefix(strings.ToLower(a.CIDR), "fe80:") {
			continue
		}
		c.Addresses = append(c.Addresses, a.CIDR)
	}

	for _, n := range records {
		if n.IPv4.Protocol == schema.ProtoStatic && len(n.IPv4.Addresses) == 0 {
			res.Diagnostics.Add(schema.SeverityWarning, source, "%s has static ipv4 routes but no address", n.Name)
		}
		if !isLegacy(n.Name) {
			continue
		}
		if aliases != nil {
			if alias, ok := aliases.Alias(ctx, n.Name); ok {
				n.OriginalName = n.Name
				n.Name = alias
				continue
			}
		}
		n.NeedsLegacyNames = true
		res.LegacyNames = true
		res.Diagnostics.Add(schema.SeverityInfo, source, "%s has no predictable name, keeping legacy interface names", n.Name)
	}

	for _, n := range records {
		res.Interfaces = append(res.Interfaces, *n)
	}
	sort.Slice(res.Interfaces, func(i, j int) bool {
		a, b := res.Interfaces[i], res.Interfaces[j]
		if Rank(a.Name) != Rank(b.Name) {
			return Rank(a.Name) < Rank(b.Name)
		}
		return a.Name < b.Name
	})
	return res
}
