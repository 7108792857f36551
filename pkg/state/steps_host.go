package state

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/config"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/fetch"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/hostpkg"
	"github.com/moby/sys/mountinfo"
	"github.com/spectrocloud-labs/herd"
)

// Steps that only look at or install things on the host.

// PreflightDagStep checks the host can be migrated before anything is downloaded.
func (s *State) PreflightDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpPreflight, s.Preflight, opts...)
}

func (s *State) Preflight(_ context.Context) error {
	if s.Geteuid() != 0 {
		return constants.ErrNotRoot
	}
	m, err := s.Machine()
	if err != nil {
		return err
	}
	if s.Arch, err = Arch(m); err != nil {
		return err
	}
	if err := s.Config.Validate(); err != nil {
		return err
	}
	if s.Root.Exists() {
		return fmt.Errorf("%w: %s, remove it to start over", constants.ErrStagingExists, s.Root.Path)
	}
	if _, err := s.FS.Stat("/sys/firmware/efi"); err == nil {
		s.EFI = true
	}
	s.OS = config.HostOSRelease(s.FS)
	internalUtils.Log.Info().
		Str("host", s.OS.String()).
		Str("arch", s.Arch).
		Bool("efi", s.EFI).
		Str("variant", s.Config.Variant).
		Str("staging", s.Root.Path).
		Msg("Migrating host to Gentoo")
	return nil
}

// InstallHostToolsDagStep installs the tools the migration runs on the host with its package manager.
func (s *State) InstallHostToolsDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpInstallHostTools, s.InstallHostTools, opts...)
}

// HostTools returns the logical tools needed on this host.
func (s *State) HostTools() []string {
	tools := []string{hostpkg.Tar, hostpkg.XZ, hostpkg.GPG, hostpkg.Lsblk}
	if s.EFI {
		tools = append(tools, hostpkg.EFIBootMgr)
	}
	if mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("btrfs")); err == nil && len(mounts) > 0 {
		tools = append(tools, hostpkg.Btrfs)
	}
	if s.hasCryptMapping() {
		tools = append(tools, hostpkg.Cryptsetup)
	}
	return tools
}

// hasCryptMapping looks for an active dm-crypt mapping, lsblk may not be there yet.
func (s *State) hasCryptMapping() bool {
	entries, err := s.FS.ReadDir("/sys/block")
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "dm-") {
			continue
		}
		uuid, err := s.FS.ReadFile(filepath.Join("/sys/block", e.Name(), "dm/uuid"))
		if err == nil && strings.HasPrefix(string(uuid), "CRYPT-") {
			return true
		}
	}
	return false
}

func (s *State) InstallHostTools(ctx context.Context) error {
	tools := s.HostTools()
	if len(hostpkg.Missing(s.Exists, tools...)) == 0 {
		internalUtils.Log.Info().Strs("tools", tools).Msg("Host tools present")
		return nil
	}
	mgr, err := hostpkg.Detect(s.Exists)
	if err != nil {
		return err
	}
	s.Manager = mgr
	return hostpkg.Installer{Manager: mgr, Runner: s.Runner, Exists: s.Exists}.Ensure(ctx, tools...)
}

// FetchStage3DagStep downloads the latest stage3 of the configured variant.
func (s *State) FetchStage3DagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpFetchStage3, s.FetchStage3, opts...)
}

func (s *State) FetchStage3(ctx context.Context) error {
	if s.Fetcher == nil {
		s.Fetcher = &fetch.Fetcher{
			Mirror:  s.Config.Mirror,
			Arch:    s.Arch,
			Variant: s.Config.Variant,
			Dir:     s.downloadDir(),
			Client:  fetch.NewClient(),
			Runner:  s.Runner,
		}
	}
	st, err := s.Fetcher.Latest(ctx)
	if err != nil {
		return err
	}
	s.Stage3 = st
	internalUtils.Log.Info().Str("name", st.Name).Int64("size", st.Size).Msg("Latest stage3")

	s.Artifacts, err = s.Fetcher.Download(ctx, st)
	return err
}

// VerifyStage3DagStep checks the checksum and signature of the downloaded stage3.
func (s *State) VerifyStage3DagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpVerifyStage3, func(ctx context.Context) error {
		return s.Fetcher.Verify(ctx, s.Artifacts)
	}, opts...)
}
