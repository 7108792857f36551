package state

import (
	"context"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/configure"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/staging"
	"github.com/spectrocloud-labs/herd"
)

// CreateStagedRootDagStep creates the empty staged root.
func (s *State) CreateStagedRootDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpCreateStagedRoot, func(_ context.Context) error {
		return s.Root.Create()
	}, opts...)
}

// UnpackStage3DagStep unpacks the verified tarball and picks the init system from what it contains.
func (s *State) UnpackStage3DagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpUnpackStage3, s.UnpackStage3, opts...)
}

func (s *State) UnpackStage3(ctx context.Context) error {
	if err := s.Root.Unpack(ctx, s.Artifacts.Tarball); err != nil {
		return err
	}
	s.Init = configure.SelectInit(s.Root.HasSystemd())
	if _, systemd := s.Init.(configure.Systemd); systemd != s.Config.Systemd() {
		internalUtils.Log.Warn().Str("variant", s.Config.Variant).Str("init", s.Init.Name()).Msg("Stage3 init system differs from the variant, following the stage3")
	}
	internalUtils.Log.Info().Str("init", s.Init.Name()).Msg("Detected init system")
	return nil
}

// MountStagedRootDagStep binds the host pseudo filesystems into the staged root.
func (s *State) MountStagedRootDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpMountStagedRoot, func(_ context.Context) error {
		s.Chroot = staging.NewChroot(s.stagedPath())
		return s.Chroot.Prepare()
	}, opts...)
}

// UnmountStagedRootDagStep releases every mount held below the staged root.
func (s *State) UnmountStagedRootDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpUnmountStagedRoot, func(_ context.Context) error {
		if s.Chroot == nil {
			return nil
		}
		return s.Chroot.Close()
	}, opts...)
}

// RemoveStagedRootDagStep deletes the staged root and the downloads once the swap copied everything.
func (s *State) RemoveStagedRootDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpRemoveStagedRoot, s.RemoveStagedRoot, opts...)
}

func (s *State) RemoveStagedRoot(_ context.Context) error {
	if s.Swap.CopyFailed() {
		s.StagedKept = true
		internalUtils.Log.Warn().Str("path", s.Root.Path).Err(s.Swap.CopyErrors).Msg("Copy failed, keeping the staged root to retry from")
		return nil
	}
	if err := s.Root.Teardown(); err != nil {
		return err
	}
	if s.Config.KeepDownload {
		return nil
	}
	if err := s.FS.RemoveAll(s.downloadDir()); err != nil {
		internalUtils.Log.Warn().Err(err).Str("path", s.downloadDir()).Msg("Removing downloads")
	}
	return nil
}
