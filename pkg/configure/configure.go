package configure

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/cmdline"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/network"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
	"github.com/hashicorp/go-multierror"
	"github.com/twpayne/go-vfs/v4"
)

const GrubDefaultFile = "/etc/default/grub"

// Configurator writes the configuration of the staged root from the translated host state.
type Configurator struct {
	FS vfs.FS
	// Host is the host root, Root the staged root, both paths in FS.
	Host string
	Root string

	Init       InitSystem
	Topology   schema.Topology
	Cmdline    cmdline.Result
	Interfaces []schema.NetworkInterface
	Network    network.Rendered

	EFI           bool
	Arch          string
	Drivers       []string
	ExtraPackages []string
}

func (c *Configurator) path(p string) string {
	return filepath.Join(c.Root, p)
}

// WriteFstab writes the merged fstab into the staged root.
func (c *Configurator) WriteFstab() error {
	host, err := c.FS.ReadFile(filepath.Join(c.Host, "etc/fstab"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	content, err := MergeFstab(host, c.Topology.Mounts)
	if err != nil {
		return err
	}
	return writeFile(c.FS, c.path("/etc/fstab"), content, 0o644)
}

// Configure writes the portage, dracut, grub and network configuration, and carries over the host files.
func (c *Configurator) Configure() error {
	l := internalUtils.Log.With().Str("root", c.Root).Str("init", c.Init.Name()).Logger()

	files := map[string]string{
		PackageUseFile:     PackageUse(c.Topology, c.Init),
		PackageLicenseFile: PackageLicense(),
		DracutConfFile:     DracutConf(c.Topology, c.Drivers),
	}
	for p, content := range c.Init.NetworkFiles(c.Network) {
		files[p] = content
	}
	for p, content := range files {
		l.Debug().Str("file", p).Msg("Writing")
		if err := writeFile(c.FS, c.path(p), content, 0o644); err != nil {
			return err
		}
	}

	if err := c.edit(MakeConfFile, func(s string) string {
		s, changed := EnsureVar(s, "GRUB_PLATFORMS", GrubPlatforms(c.Arch, c.EFI))
		if !changed {
			l.Info().Msg("GRUB_PLATFORMS already set in make.conf, keeping it")
		}
		return s
	}); err != nil {
		return err
	}
	if err := c.edit(GrubDefaultFile, func(s string) string {
		return SetVar(s, "GRUB_CMDLINE_LINUX", c.Cmdline.String())
	}); err != nil {
		return err
	}

	if err := CarryOver(c.FS, c.Host, c.Root); err != nil {
		l.Warn().Err(err).Msg("Carrying over host files")
	}
	l.Info().Msg("Staged root configured")
	return nil
}

// edit rewrites a file of the staged root, which may not exist yet.
func (c *Configurator) edit(p string, f func(string) string) error {
	data, err := c.FS.ReadFile(c.path(p))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return writeFile(c.FS, c.path(p), f(string(data)), 0o644)
}

func (c *Configurator) Packages() []string {
	return Packages(c.Topology, c.Init, c.Interfaces, c.EFI, c.ExtraPackages)
}

// InstallPackages syncs the portage tree and emerges the packages with r, which runs in the staged root.
func (c *Configurator) InstallPackages(ctx context.Context, r internalUtils.Runner) error {
	if _, err := r.Run(ctx, internalUtils.NewCommand("emerge-webrsync").Streaming()); err != nil {
		return err
	}
	args := append([]string{"--noreplace", "--quiet-build=y"}, c.Packages()...)
	internalUtils.Log.Info().Strs("packages", c.Packages()).Msg("Emerging packages")
	_, err := r.Run(ctx, internalUtils.NewCommand("emerge", args...).Streaming())
	return err
}

// EnableServices enables the boot services with r, which runs in the staged root.
func (c *Configurator) EnableServices(ctx context.Context, r internalUtils.Runner) error {
	var errs *multierror.Error
	for _, cmd := range c.Init.ServiceCommands(c.Interfaces, c.Topology) {
		if _, err := r.Run(ctx, cmd); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
