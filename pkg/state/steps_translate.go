package state

import (
	"context"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/cmdline"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/network"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/topology"
	"github.com/spectrocloud-labs/herd"
)

// Steps turning the running host into a description of the target.

// DiscoverTopologyDagStep classifies the storage behind every mount, ignoring the staged root.
func (s *State) DiscoverTopologyDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpDiscoverTopology, s.DiscoverTopology, opts...)
}

func (s *State) DiscoverTopology(ctx context.Context) error {
	topo, err := topology.NewAnalyzer(s.Runner, s.FS, s.Root.Path).Discover(ctx)
	if err != nil {
		return err
	}
	s.Topology = topo
	for _, l := range topo.Layers {
		internalUtils.Log.Debug().Str("layer", l.String()).Msg("Storage")
	}
	internalUtils.Log.Info().
		Int("mounts", len(topo.Mounts)).
		Bool("lvm", topo.LVMEnabled).
		Bool("luks", topo.LUKSEnabled).
		Bool("btrfs", topo.BtrfsEnabled).
		Msg("Storage topology")
	return nil
}

// TranslateCmdlineDagStep translates the host kernel command line for dracut.
func (s *State) TranslateCmdlineDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpTranslateCmdline, s.TranslateCmdline, opts...)
}

func (s *State) TranslateCmdline(_ context.Context) error {
	s.Cmdline = cmdline.Translate(cmdline.HostSources(s.FS), s.Topology)
	s.Cmdline.Append(s.Config.ExtraCmdline...)
	internalUtils.Log.Info().Str("cmdline", s.Cmdline.String()).Strs("dropped", s.Cmdline.Dropped).Msg("Translated kernel command line")
	return nil
}

// TranslateNetworkDagStep turns the live routes and addresses into configuration of both init dialects.
func (s *State) TranslateNetworkDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpTranslateNetwork, func(ctx context.Context) error {
		t := &network.Translator{Host: network.NewNetlinkHost(), Aliases: network.UdevAliases{Runner: s.Runner}}
		res, err := t.Translate(ctx)
		if err != nil {
			return err
		}
		return s.ApplyNetwork(res)
	}, opts...)
}

// ApplyNetwork records a network translation and renders its files.
func (s *State) ApplyNetwork(res network.Result) error {
	s.Network = res
	if res.LegacyNames {
		s.Cmdline.Append("net.ifnames=0")
	}
	rendered, err := network.Render(res.Interfaces)
	if err != nil {
		return err
	}
	s.Rendered = rendered
	for _, n := range res.Interfaces {
		internalUtils.Log.Info().
			Str("iface", n.Name).
			Str("ipv4", string(n.IPv4.Protocol)).
			Str("ipv6", string(n.IPv6.Protocol)).
			Msg("Translated interface")
	}
	return nil
}
