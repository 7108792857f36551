package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/bootloader"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/swap"
	"github.com/spectrocloud-labs/herd"
)

// ConfirmSwapDagStep is the last chance to stop. Everything before only touched the staged root.
func (s *State) ConfirmSwapDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpConfirmSwap, s.ConfirmSwap, opts...)
}

func (s *State) ConfirmSwap(_ context.Context) error {
	if s.Yes {
		internalUtils.Log.Warn().Msg("Swapping the root without confirmation")
		return nil
	}
	host, err := s.Hostname()
	if err != nil {
		return err
	}
	ok, err := s.Confirm(host)
	if err != nil {
		return fmt.Errorf("%w: %w", constants.ErrAborted, err)
	}
	if !ok {
		return fmt.Errorf("%w: staged root left at %s", constants.ErrAborted, s.Root.Path)
	}
	return nil
}

func confirmHostname(host string) (bool, error) {
	var answer string
	prompt := &survey.Input{
		Message: fmt.Sprintf("This replaces the running system with Gentoo. Type the hostname (%s) to continue:", host),
	}
	if err := survey.AskOne(prompt, &answer); err != nil {
		return false, err
	}
	return strings.TrimSpace(answer) == host, nil
}

// SwapRootDagStep deletes the host system and copies the staged root over it. No return after this.
func (s *State) SwapRootDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpSwapRoot, s.SwapRoot, opts...)
}

// SwapOptions builds what the swap keeps: the defaults, the operator entries, the ESP mount point,
// btrfs subvolumes that can not be deleted, active swap files and every mount that is not part of
// the system.
func (s *State) SwapOptions(ctx context.Context) swap.Options {
	opts := swap.Options{Root: "/", Preserve: constants.DefaultPreserve(), CopyDirs: s.Config.CopyDirs}
	for _, p := range s.Config.Preserve {
		if strings.ContainsAny(p, "*?[{") {
			opts.Patterns = append(opts.Patterns, p)
		} else {
			opts.Preserve = append(opts.Preserve, p)
		}
	}
	if s.Bootloader.ESPMount != "" {
		opts.Preserve = append(opts.Preserve, s.Bootloader.ESPMount)
	}
	for _, m := range s.Topology.Mounts {
		// swap files stay, the carried fstab still points at them
		if m.MountPoint == "swap" && strings.HasPrefix(m.Source, "/") && !strings.HasPrefix(m.Source, "/dev/") {
			opts.Preserve = append(opts.Preserve, m.Source)
			continue
		}
		if m.MountPoint == "" || !strings.HasPrefix(m.MountPoint, "/") {
			continue
		}
		if internalUtils.IsSystemMountPoint(m.MountPoint, constants.SystemMountPoints()) {
			continue
		}
		opts.Preserve = append(opts.Preserve, m.MountPoint)
	}
	btrfs, diags := swap.BtrfsPreserve(ctx, s.Runner, "/", s.Topology)
	s.Diagnostics = append(s.Diagnostics, diags...)
	opts.Preserve = internalUtils.UniqueSlice(append(opts.Preserve, btrfs...))
	return opts
}

func (s *State) SwapRoot(ctx context.Context) error {
	// The loader must be pinned before the first deletion.
	h, err := swap.PinHelper(s.FS, s.Root.Path)
	if err != nil {
		return err
	}
	opts := s.SwapOptions(ctx)
	internalUtils.Log.Info().Strs("preserve", opts.Preserve).Strs("patterns", opts.Patterns).Msg("Preserved paths")

	e, err := swap.NewExecutor(s.FS, s.Runner, h, opts)
	if err != nil {
		return err
	}
	s.Swap, err = e.Run(ctx)
	if err != nil {
		return err
	}
	if s.Swap.DeleteErrors != nil {
		internalUtils.Log.Warn().Err(s.Swap.DeleteErrors).Msg("Some host files could not be deleted")
	}
	return nil
}

// RegenerateBootloaderDagStep rebuilds the grub config with the tools now living in the host root.
func (s *State) RegenerateBootloaderDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpRegenBootloader, func(ctx context.Context) error {
		if s.Swap.CopyFailed() {
			s.Diagnostics.Add(schema.SeverityError, constants.OpRegenBootloader, "copy incomplete, grub config not regenerated: %s", s.Swap.CopyErrors)
			return nil
		}
		return bootloader.Regenerate(ctx, s.Runner)
	}, opts...)
}
