package configure

import (
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/network"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
)

// InitSystem is what differs between the init systems of the target. The set is closed.
type InitSystem interface {
	Name() string
	// NetworkFiles selects the rendered network configuration the init system reads.
	NetworkFiles(r network.Rendered) map[string]string
	// Packages are the extra packages needed for the configured interfaces.
	Packages(ifaces []schema.NetworkInterface) []string
	// ServiceCommands enable the services at boot, run in the staged root.
	ServiceCommands(ifaces []schema.NetworkInterface, topo schema.Topology) []internalUtils.Command
	isInitSystem()
}

// SelectInit picks the init system of the staged root.
func SelectInit(systemd bool) InitSystem {
	if systemd {
		return Systemd{}
	}
	return OpenRC{}
}

type OpenRC struct{}

func (OpenRC) Name() string { return "openrc" }

func (OpenRC) isInitSystem() {}

func (OpenRC) NetworkFiles(r network.Rendered) map[string]string {
	return r.OpenRC
}

func (OpenRC) Packages(ifaces []schema.NetworkInterface) []string {
	for _, n := range ifaces {
		if n.IPv4.Protocol == schema.ProtoDHCP || n.IPv6.Protocol == schema.ProtoDHCP {
			return []string{"net-misc/dhcpcd"}
		}
	}
	return nil
}

func (OpenRC) ServiceCommands(ifaces []schema.NetworkInterface, topo schema.Topology) []internalUtils.Command {
	var cmds []internalUtils.Command
	if topo.LUKSEnabled {
		cmds = append(cmds, internalUtils.NewCommand("rc-update", "add", "dmcrypt", "boot"))
	}
	if topo.LVMEnabled {
		cmds = append(cmds, internalUtils.NewCommand("rc-update", "add", "lvm", "boot"))
	}
	for _, n := range ifaces {
		svc := "net." + n.Name
		cmds = append(cmds,
			internalUtils.NewCommand("ln", "-sf", "net.lo", "/etc/init.d/"+svc),
			internalUtils.NewCommand("rc-update", "add", svc, "default"),
		)
	}
	return append(cmds, internalUtils.NewCommand("rc-update", "add", "sshd", "default"))
}

type Systemd struct{}

func (Systemd) Name() string { return "systemd" }

func (Systemd) isInitSystem() {}

func (Systemd) NetworkFiles(r network.Rendered) map[string]string {
	return r.Networkd
}

// Packages is empty, networkd and resolved ship with systemd.
func (Systemd) Packages([]schema.NetworkInterface) []string {
	return nil
}

func (Systemd) ServiceCommands(_ []schema.NetworkInterface, topo schema.Topology) []internalUtils.Command {
	units := []string{"systemd-networkd", "systemd-resolved", "sshd"}
	if topo.LVMEnabled {
		units = append(units, "lvm2-monitor")
	}
	return []internalUtils.Command{internalUtils.NewCommand("systemctl", append([]string{"enable"}, units...)...)}
}
