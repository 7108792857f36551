package bootloader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/foxboron/go-uefi/efi"
	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
)

const (
	source  = "bootloader"
	GrubCfg = "/boot/grub/grub.cfg"
)

// Mounter mounts the ESP at target, relative to the staged root. The mount is released with the
// staged root mounts.
type Mounter interface {
	AddDevice(ctx context.Context, device, fsType, target string) error
}

// Chroot runs commands inside the staged root and owns the mounts made in it.
type Chroot interface {
	internalUtils.Runner
	Mounter
}

// Result records what got installed where.
type Result struct {
	BIOS     bool
	BIOSDisk string
	UEFI     bool
	ESP      Partition
	// ESPMount is the mount point of the ESP on the host, empty when no ESP was used.
	ESPMount    string
	SecureBoot  bool
	Diagnostics schema.Diagnostics
}

// Installer installs grub for the staged root.
type Installer struct {
	// Chroot runs commands inside the staged root, Host runs them on the host.
	Chroot internalUtils.Runner
	Host   internalUtils.Runner
	Root   string
	Arch   string
	ID     string
	EFI    bool

	Topology   schema.Topology
	Partitions func() ([]Partition, error)
	SecureBoot func() bool
	Mounter    Mounter
}

func NewInstaller(chroot Chroot, host internalUtils.Runner, root, arch, id string, efiFirmware bool, topo schema.Topology) *Installer {
	return &Installer{
		Chroot:     chroot,
		Host:       host,
		Root:       root,
		Arch:       arch,
		ID:         id,
		EFI:        efiFirmware,
		Topology:   topo,
		Partitions: GhwPartitions,
		SecureBoot: efi.GetSecureBoot,
		Mounter:    chroot,
	}
}

// Install runs the BIOS path on amd64 and the UEFI path when booted with EFI, then generates the grub
// config. Failing one path is a diagnostic, failing every path is ErrNoBootloader.
func (i *Installer) Install(ctx context.Context) (Result, error) {
	var res Result
	parts, err := i.Partitions()
	if err != nil {
		res.Diagnostics.Add(schema.SeverityWarning, source, "listing partitions: %s", err)
	}

	if i.Arch == "amd64" {
		i.installBIOS(ctx, parts, &res)
	}
	if i.EFI {
		i.installUEFI(ctx, parts, &res)
	}
	if !res.BIOS && !res.UEFI {
		return res, fmt.Errorf("%w: %v", constants.ErrNoBootloader, res.Diagnostics)
	}

	if _, err := i.Chroot.Run(ctx, internalUtils.NewCommand("grub-mkconfig", "-o", GrubCfg)); err != nil {
		return res, err
	}
	return res, nil
}

// BIOSDisk returns the disk holding /boot, or / when /boot is not a mount of its own.
func BIOSDisk(topo schema.Topology, parts []Partition) (string, error) {
	m, ok := topo.MountFor("/boot")
	if !ok {
		m, ok = topo.MountFor("/")
	}
	if !ok {
		return "", fmt.Errorf("no mount for /boot or /")
	}
	if strings.HasPrefix(m.Source, "/dev/mapper/") || strings.HasPrefix(m.Source, "/dev/dm-") {
		return "", fmt.Errorf("%s is on device mapper device %s, the disk can not be derived", m.MountPoint, m.Source)
	}
	for _, p := range parts {
		if p.Device() == m.Source {
			return "/dev/" + p.Disk, nil
		}
	}
	return "", fmt.Errorf("no disk found for %s", m.Source)
}

func (i *Installer) installBIOS(ctx context.Context, parts []Partition, res *Result) {
	disk, err := BIOSDisk(i.Topology, parts)
	if err != nil {
		res.Diagnostics.Add(schema.SeverityWarning, source, "skipping BIOS install: %s", err)
		return
	}
	if _, err := i.Chroot.Run(ctx, internalUtils.NewCommand("grub-install", "--target=i386-pc", disk)); err != nil {
		res.Diagnostics.Add(schema.SeverityWarning, source, "BIOS install on %s failed: %s", disk, err)
		return
	}
	internalUtils.Log.Info().Str("disk", disk).Msg("Installed BIOS bootloader")
	res.BIOS = true
	res.BIOSDisk = disk
}

func (i *Installer) efiTarget() string {
	if i.Arch == "arm64" {
		return "arm64-efi"
	}
	return "x86_64-efi"
}

func (i *Installer) installUEFI(ctx context.Context, parts []Partition, res *Result) {
	partUUID := ""
	out, err := i.Host.Run(ctx, internalUtils.NewCommand("efibootmgr", "-v"))
	if err != nil {
		res.Diagnostics.Add(schema.SeverityWarning, source, "reading the boot entries: %s", err)
	} else if u, ok := BootCurrentPartUUID(out); ok {
		partUUID = u
	}

	esp, tier, ok := SelectESP(parts, partUUID)
	if !ok {
		if tier != "" {
			res.Diagnostics.Add(schema.SeverityError, source, "several FAT partitions match %q, the EFI system partition is unresolved", tier)
		} else {
			res.Diagnostics.Add(schema.SeverityError, source, "no EFI system partition found")
		}
		return
	}
	mp := esp.MountPoint
	if mp == "" || mp == "/" {
		mp = constants.DefaultESPMount
	}
	internalUtils.Log.Info().Str("device", esp.Device()).Str("match", tier).Str("mountpoint", mp).Msg("Resolved EFI system partition")

	if i.SecureBoot != nil && i.SecureBoot() {
		res.SecureBoot = true
		internalUtils.Log.Warn().Msg("Secure Boot is enabled, the installed grub is not signed and will not boot until it is disabled")
		res.Diagnostics.Add(schema.SeverityWarning, source, "Secure Boot is enabled, disable it before rebooting")
	}

	if err := i.Mounter.AddDevice(ctx, esp.Device(), esp.FSType, mp); err != nil {
		res.Diagnostics.Add(schema.SeverityError, source, "mounting %s on %s: %s", esp.Device(), filepath.Join(i.Root, mp), err)
		return
	}

	base := []string{"--target=" + i.efiTarget(), "--efi-directory=" + mp}
	if _, err := i.Chroot.Run(ctx, internalUtils.NewCommand("grub-install", append(base, "--bootloader-id="+i.ID)...)); err != nil {
		res.Diagnostics.Add(schema.SeverityWarning, source, "UEFI install failed: %s", err)
		return
	}
	if _, err := i.Chroot.Run(ctx, internalUtils.NewCommand("grub-install", append(base, "--removable")...)); err != nil {
		res.Diagnostics.Add(schema.SeverityWarning, source, "UEFI removable install failed: %s", err)
	}
	res.UEFI = true
	res.ESP = esp
	res.ESPMount = mp
}

// Regenerate rebuilds the grub config with r, which runs on the new root after the swap.
func Regenerate(ctx context.Context, r internalUtils.Runner) error {
	_, err := r.Run(ctx, internalUtils.NewCommand("grub-mkconfig", "-o", GrubCfg))
	return err
}
