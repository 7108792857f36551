package state

import (
	"context"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/bootloader"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/configure"
	"github.com/spectrocloud-labs/herd"
)

// Steps writing into, or running inside, the staged root.

func (s *State) WriteFstabDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpWriteFstab, func(_ context.Context) error {
		return s.configurator().WriteFstab()
	}, opts...)
}

func (s *State) ConfigureTargetDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpConfigureTarget, func(_ context.Context) error {
		c := s.configurator()
		c.Drivers = configure.ProbeDrivers()
		return c.Configure()
	}, opts...)
}

func (s *State) InstallPackagesDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpInstallPackages, func(ctx context.Context) error {
		return s.configurator().InstallPackages(ctx, s.Chroot)
	}, opts...)
}

func (s *State) EnableServicesDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpEnableServices, func(ctx context.Context) error {
		return s.configurator().EnableServices(ctx, s.Chroot)
	}, opts...)
}

// InstallBootloaderDagStep installs grub from inside the staged root for every firmware path the host has.
func (s *State) InstallBootloaderDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpInstallBootloader, func(ctx context.Context) error {
		i := bootloader.NewInstaller(s.Chroot, s.Runner, s.stagedPath(), s.Arch, s.Config.BootloaderID, s.EFI, s.Topology)
		res, err := i.Install(ctx)
		s.Bootloader = res
		return err
	}, opts...)
}
