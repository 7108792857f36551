package hostpkg

import (
	"context"
	"fmt"
	"sort"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
)

// Logical names of the host tools the migration needs. Each one is also the binary looked up on PATH.
const (
	GPG        = "gpg"
	XZ         = "xz"
	Tar        = "tar"
	Lsblk      = "lsblk"
	EFIBootMgr = "efibootmgr"
	Btrfs      = "btrfs"
	Cryptsetup = "cryptsetup"
)

// PackageManager installs host packages. The set of implementations is closed, one per distribution family.
type PackageManager interface {
	Name() string
	// Package maps a logical tool name to the package that ships it.
	Package(logical string) string
	// InstallCommands returns the commands installing the given packages, run in order.
	InstallCommands(pkgs ...string) []internalUtils.Command
	family() *family
}

type family struct {
	name    string
	marker  string
	refresh []string
	install []string
	env     []string
	names   map[string]string
}

func (f *family) Name() string { return f.name }

func (f *family) family() *family { return f }

func (f *family) Package(logical string) string {
	if p, ok := f.names[logical]; ok {
		return p
	}
	return logical
}

func (f *family) InstallCommands(pkgs ...string) []internalUtils.Command {
	var cmds []internalUtils.Command
	if len(f.refresh) > 0 {
		cmds = append(cmds, internalUtils.NewCommand(f.refresh[0], f.refresh[1:]...).WithEnv(f.env...))
	}
	args := append(append([]string{}, f.install[1:]...), pkgs...)
	return append(cmds, internalUtils.NewCommand(f.install[0], args...).WithEnv(f.env...))
}

var (
	Apt = &family{
		name:    "apt",
		marker:  "apt-get",
		refresh: []string{"apt-get", "update"},
		install: []string{"apt-get", "install", "-y", "--no-install-recommends"},
		env:     []string{"DEBIAN_FRONTEND=noninteractive"},
		names:   map[string]string{GPG: "gnupg", XZ: "xz-utils", Lsblk: "util-linux", Btrfs: "btrfs-progs", Cryptsetup: "cryptsetup-bin"},
	}
	Dnf = &family{
		name:    "dnf",
		marker:  "dnf",
		install: []string{"dnf", "install", "-y"},
		names:   map[string]string{GPG: "gnupg2", Lsblk: "util-linux", Btrfs: "btrfs-progs"},
	}
	Pacman = &family{
		name:    "pacman",
		marker:  "pacman",
		install: []string{"pacman", "-Sy", "--noconfirm", "--needed"},
		names:   map[string]string{GPG: "gnupg", Lsblk: "util-linux", Btrfs: "btrfs-progs"},
	}
	Zypper = &family{
		name:    "zypper",
		marker:  "zypper",
		install: []string{"zypper", "--non-interactive", "install"},
		names:   map[string]string{GPG: "gpg2", Lsblk: "util-linux", Btrfs: "btrfsprogs"},
	}
	Urpmi = &family{
		name:    "urpmi",
		marker:  "urpmi",
		install: []string{"urpmi", "--auto"},
		names:   map[string]string{GPG: "gnupg2", Lsblk: "util-linux", Btrfs: "btrfs-progs"},
	}
	Opkg = &family{
		name:    "opkg",
		marker:  "opkg",
		refresh: []string{"opkg", "update"},
		install: []string{"opkg", "install"},
		names:   map[string]string{GPG: "gnupg"},
	}
	Xbps = &family{
		name:    "xbps",
		marker:  "xbps-install",
		install: []string{"xbps-install", "-Sy"},
		names:   map[string]string{GPG: "gnupg", Lsblk: "util-linux", Btrfs: "btrfs-progs"},
	}

	families = []*family{Apt, Dnf, Pacman, Zypper, Urpmi, Opkg, Xbps}
)

// Detect returns the package manager of the host by probing the marker command of each family.
func Detect(exists func(string) bool) (PackageManager, error) {
	if exists == nil {
		exists = internalUtils.CommandExists
	}
	for _, f := range families {
		if exists(f.marker) {
			internalUtils.Log.Debug().Str("family", f.name).Msg("Detected host package manager")
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: no supported package manager found", constants.ErrMissingTool)
}

// Missing returns the logical tools not found on PATH, sorted.
func Missing(exists func(string) bool, tools ...string) []string {
	if exists == nil {
		exists = internalUtils.CommandExists
	}
	var res []string
	for _, t := range internalUtils.UniqueSlice(tools) {
		if !exists(t) {
			res = append(res, t)
		}
	}
	sort.Strings(res)
	return res
}

// Installer makes sure the host has the tools it is asked for.
type Installer struct {
	Manager PackageManager
	Runner  internalUtils.Runner
	Exists  func(string) bool
}

// Ensure installs the packages providing the tools missing from PATH and checks they are present afterwards.
func (i Installer) Ensure(ctx context.Context, tools ...string) error {
	missing := Missing(i.Exists, tools...)
	if len(missing) == 0 {
		internalUtils.Log.Info().Strs("tools", tools).Msg("Host tools present")
		return nil
	}
	var pkgs []string
	for _, t := range missing {
		pkgs = append(pkgs, i.Manager.Package(t))
	}
	pkgs = internalUtils.UniqueSlice(pkgs)
	internalUtils.Log.Info().Str("manager", i.Manager.Name()).Strs("packages", pkgs).Msg("Installing host tools")
	for _, c := range i.Manager.InstallCommands(pkgs...) {
		if _, err := i.Runner.Run(ctx, c.Streaming()); err != nil {
			return err
		}
	}
	if still := Missing(i.Exists, missing...); len(still) > 0 {
		return fmt.Errorf("%w: %v", constants.ErrMissingTool, still)
	}
	return nil
}
