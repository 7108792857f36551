package state

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/bootloader"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/cmdline"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/config"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/configure"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/fetch"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/hostpkg"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/network"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/staging"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/swap"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
	"golang.org/x/sys/unix"
)

// State carries the configuration of a migration and the results of every phase, so later phases
// and the final summary can use what earlier ones found.
type State struct {
	Config config.Config
	FS     vfs.FS
	// Runner executes commands on the host.
	Runner internalUtils.Runner
	// Out receives the final summary.
	Out io.Writer
	// Yes skips the confirmation before the root swap.
	Yes bool

	Geteuid  func() int
	Machine  func() (string, error)
	Hostname func() (string, error)
	// Confirm asks the operator to type the hostname and reports if the answer matched.
	Confirm func(hostname string) (bool, error)
	Exists  func(string) bool

	Arch    string
	EFI     bool
	OS      config.OSRelease
	Manager hostpkg.PackageManager

	Fetcher   *fetch.Fetcher
	Stage3    fetch.Stage3
	Artifacts fetch.Artifacts
	Root      *staging.Root
	Chroot    *staging.Chroot
	Init      configure.InitSystem

	Topology   schema.Topology
	Cmdline    cmdline.Result
	Network    network.Result
	Rendered   network.Rendered
	Bootloader bootloader.Result
	Swap       swap.Report
	// Diagnostics collects findings of phases without a result of their own.
	Diagnostics schema.Diagnostics
	StagedKept  bool
}

// New returns a State working on the real host.
func New(cfg config.Config) *State {
	s := &State{
		Config:   cfg,
		FS:       vfs.OSFS,
		Runner:   internalUtils.ExecRunner{},
		Out:      os.Stdout,
		Geteuid:  os.Geteuid,
		Machine:  machine,
		Hostname: os.Hostname,
		Confirm:  confirmHostname,
		Exists:   internalUtils.CommandExists,
	}
	s.Root = staging.New(s.FS, s.Runner, cfg.StagingDir)
	return s
}

func machine() (string, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(u.Machine[:]), nil
}

// Arch maps a kernel machine name to the Gentoo release architecture.
func Arch(machine string) (string, error) {
	switch machine {
	case "x86_64", "amd64":
		return "amd64", nil
	case "aarch64", "arm64":
		return "arm64", nil
	}
	return "", fmt.Errorf("%w: %s", constants.ErrUnsupportedArch, machine)
}

// stagedPath is the staged root as seen by the kernel, for chroot and mounts.
func (s *State) stagedPath() string {
	p, err := s.FS.RawPath(s.Root.Path)
	if err != nil {
		return s.Root.Path
	}
	return p
}

func (s *State) configurator() *configure.Configurator {
	return &configure.Configurator{
		FS:            s.FS,
		Host:          "/",
		Root:          s.Root.Path,
		Init:          s.Init,
		Topology:      s.Topology,
		Cmdline:       s.Cmdline,
		Interfaces:    s.Network.Interfaces,
		Network:       s.Rendered,
		EFI:           s.EFI,
		Arch:          s.Arch,
		ExtraPackages: s.Config.ExtraPackages,
	}
}

// AllDiagnostics returns every diagnostic gathered so far, in pipeline order.
func (s *State) AllDiagnostics() schema.Diagnostics {
	var res schema.Diagnostics
	res = append(res, s.Topology.Diagnostics...)
	res = append(res, s.Cmdline.Diagnostics...)
	res = append(res, s.Network.Diagnostics...)
	res = append(res, s.Bootloader.Diagnostics...)
	res = append(res, s.Diagnostics...)
	return res
}

func (s *State) downloadDir() string {
	return filepath.Clean(s.Config.DownloadDir)
}

// WriteDAG writes the dag.
func (s *State) WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Error.Error(), op.Background, op.WeakDeps, op.Executed)
			} else {
				out += fmt.Sprintf(" <%s> (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Background, op.WeakDeps, op.Executed)
			}
		}
	}
	return
}

// LogIfError will log if there is an error with the given context as message
// Context can be empty.
func (s *State) LogIfError(e error, msgContext string) {
	if e != nil {
		internalUtils.Log.Err(e).Msg(msgContext)
	}
}

// LogIfErrorAndReturn will log if there is an error with the given context as message
// Context can be empty
// Will also return the error.
func (s *State) LogIfErrorAndReturn(e error, msgContext string) error {
	if e != nil {
		internalUtils.Log.Err(e).Msg(msgContext)
	}
	return e
}

// step registers a phase on the graph, logging its failure before it stops the chain.
func (s *State) step(g *herd.Graph, name string, fn func(context.Context) error, opts ...herd.OpOption) error {
	return g.Add(name, append(opts, herd.WithCallback(func(ctx context.Context) error {
		internalUtils.Log.Info().Str("op", name).Msg("Running")
		return s.LogIfErrorAndReturn(fn(ctx), name)
	}))...)
}
