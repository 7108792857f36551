package state_test

import (
	"bytes"
	"context"
	"errors"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/bootloader"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/cmdline"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/config"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/hostpkg"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/network"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/staging"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/state"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/swap"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
)

type recordingRunner struct {
	calls []internalUtils.Command
}

func (r *recordingRunner) Run(_ context.Context, c internalUtils.Command) (string, error) {
	r.calls = append(r.calls, c)
	return "", nil
}

var _ = Describe("migration state", func() {
	var fs vfs.FS
	var cleanup func()
	var runner *recordingRunner
	var s *state.State

	BeforeEach(func() {
		var err error
		fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
			"/etc/os-release":    "ID=debian\nPRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\n",
			"/sys/firmware/efi":  &vfst.Dir{Perm: 0o755},
			"/root/.cache/x.tar": "stage3",
		})
		Expect(err).ToNot(HaveOccurred())
		runner = &recordingRunner{}

		s = state.New(config.Default())
		s.FS = fs
		s.Runner = runner
		s.Root = staging.New(fs, runner, s.Config.StagingDir)
		s.Geteuid = func() int { return 0 }
		s.Machine = func() (string, error) { return "x86_64", nil }
		s.Hostname = func() (string, error) { return "bookworm", nil }
		s.Exists = func(string) bool { return true }
		s.Out = &bytes.Buffer{}
	})
	AfterEach(func() {
		cleanup()
	})

	Describe("Arch", func() {
		It("maps kernel machine names", func() {
			Expect(state.Arch("x86_64")).To(Equal("amd64"))
			Expect(state.Arch("aarch64")).To(Equal("arm64"))
			_, err := state.Arch("riscv64")
			Expect(err).To(MatchError(constants.ErrUnsupportedArch))
		})
	})

	Describe("preflight", func() {
		It("records the host", func() {
			Expect(s.Preflight(context.Background())).To(Succeed())
			Expect(s.Arch).To(Equal("amd64"))
			Expect(s.EFI).To(BeTrue())
			Expect(s.OS.String()).To(Equal("Debian GNU/Linux 12 (bookworm)"))
		})

		It("requires root", func() {
			s.Geteuid = func() int { return 1000 }
			Expect(s.Preflight(context.Background())).To(MatchError(constants.ErrNotRoot))
		})

		It("rejects other architectures", func() {
			s.Machine = func() (string, error) { return "ppc64le", nil }
			Expect(s.Preflight(context.Background())).To(MatchError(constants.ErrUnsupportedArch))
		})

		It("never reuses a staging directory", func() {
			Expect(vfs.MkdirAll(fs, s.Config.StagingDir, 0o755)).To(Succeed())
			Expect(s.Preflight(context.Background())).To(MatchError(constants.ErrStagingExists))
		})

		It("validates the configuration", func() {
			s.Config.Mirror = "ftp://example.org"
			Expect(s.Preflight(context.Background())).ToNot(Succeed())
		})
	})

	Describe("host tools", func() {
		It("asks for cryptsetup only with an active dm-crypt mapping", func() {
			Expect(vfs.MkdirAll(fs, "/sys/block/dm-0/dm", 0o755)).To(Succeed())
			Expect(fs.WriteFile("/sys/block/dm-0/dm/uuid", []byte("LVM-Qk3pZ\n"), 0o644)).To(Succeed())
			Expect(s.HostTools()).ToNot(ContainElement(hostpkg.Cryptsetup))

			Expect(vfs.MkdirAll(fs, "/sys/block/dm-1/dm", 0o755)).To(Succeed())
			Expect(fs.WriteFile("/sys/block/dm-1/dm/uuid", []byte("CRYPT-LUKS2-0a1b2c3d-cryptroot\n"), 0o644)).To(Succeed())
			Expect(s.HostTools()).To(ContainElement(hostpkg.Cryptsetup))
		})

		It("does nothing when every tool is present", func() {
			Expect(s.InstallHostTools(context.Background())).To(Succeed())
			Expect(runner.calls).To(BeEmpty())
			Expect(s.Manager).To(BeNil())
		})

		It("installs what is missing with the host package manager", func() {
			installed := false
			s.Exists = func(name string) bool {
				switch name {
				case "apt-get":
					return true
				case "gpg":
					return installed
				}
				return true
			}
			runner2 := &installRunner{onRun: func() { installed = true }}
			s.Runner = runner2
			Expect(s.InstallHostTools(context.Background())).To(Succeed())
			Expect(s.Manager.Name()).To(Equal("apt"))
			Expect(runner2.calls).ToNot(BeEmpty())
			Expect(runner2.calls[len(runner2.calls)-1].Args).To(ContainElement("gnupg"))
		})
	})

	Describe("translate", func() {
		It("adds net.ifnames=0 when an interface keeps its legacy name", func() {
			s.Cmdline = cmdline.Result{Options: []string{"root=UUID=0a3407de-014b-458b-b5c1-848e92a327a3"}}
			res := network.Result{
				Interfaces: []schema.NetworkInterface{{
					Name:             "eth0",
					IPv4:             schema.IPConfig{Protocol: schema.ProtoStatic, Addresses: []string{"192.0.2.10/24"}, Gateway: "192.0.2.1"},
					NeedsLegacyNames: true,
				}},
				LegacyNames: true,
			}
			Expect(s.ApplyNetwork(res)).To(Succeed())
			Expect(s.Cmdline.Options).To(Equal([]string{"net.ifnames=0", "root=UUID=0a3407de-014b-458b-b5c1-848e92a327a3"}))
			Expect(s.Rendered.Networkd).To(HaveKey("/etc/systemd/network/50-eth0.network"))
			Expect(s.Rendered.OpenRC[network.NetifrcFile]).To(ContainSubstring("eth0"))
		})

		It("keeps the command line alone otherwise", func() {
			Expect(s.ApplyNetwork(network.Result{})).To(Succeed())
			Expect(s.Cmdline.Options).To(BeEmpty())
		})
	})

	Describe("confirmation", func() {
		It("is skipped with --yes", func() {
			s.Yes = true
			s.Confirm = func(string) (bool, error) { return false, errors.New("must not ask") }
			Expect(s.ConfirmSwap(context.Background())).To(Succeed())
		})

		It("asks for the hostname", func() {
			var asked string
			s.Confirm = func(h string) (bool, error) {
				asked = h
				return true, nil
			}
			Expect(s.ConfirmSwap(context.Background())).To(Succeed())
			Expect(asked).To(Equal("bookworm"))
		})

		It("aborts when declined", func() {
			s.Confirm = func(string) (bool, error) { return false, nil }
			Expect(s.ConfirmSwap(context.Background())).To(MatchError(constants.ErrAborted))
		})

		It("aborts when the prompt fails", func() {
			s.Confirm = func(string) (bool, error) { return false, errors.New("interrupt") }
			Expect(s.ConfirmSwap(context.Background())).To(MatchError(constants.ErrAborted))
		})
	})

	Describe("swap options", func() {
		It("keeps defaults, operator entries, the ESP and data mounts", func() {
			s.Config.Preserve = []string{"/srv", "/opt/*/data"}
			s.Bootloader = bootloader.Result{UEFI: true, ESPMount: "/boot/efi"}
			s.Topology = schema.Topology{Mounts: []schema.MountEntry{
				{Source: "/dev/sda2", MountPoint: "/", FSType: "ext4"},
				{Source: "/dev/sda3", MountPoint: "/var", FSType: "ext4"},
				{Source: "/dev/sdb1", MountPoint: "/mnt/data", FSType: "xfs"},
				{Source: "/dev/sda4", MountPoint: "swap", FSType: "swap"},
			}}

			opts := s.SwapOptions(context.Background())
			Expect(opts.Root).To(Equal("/"))
			Expect(opts.Patterns).To(Equal([]string{"/opt/*/data"}))
			Expect(opts.Preserve).To(ContainElements("home", "boot", "/srv", "/boot/efi", "/mnt/data"))
			Expect(opts.Preserve).ToNot(ContainElement("/var"))
			Expect(opts.Preserve).ToNot(ContainElement("swap"))
			Expect(opts.CopyDirs).To(Equal(constants.DefaultCopyDirs()))
			Expect(runner.calls).To(BeEmpty())
		})

		It("keeps active swap files", func() {
			s.Topology = schema.Topology{Mounts: []schema.MountEntry{
				{Source: "/dev/sda2", MountPoint: "/", FSType: "ext4"},
				{Source: "/swapfile", MountPoint: "swap", FSType: "swap"},
				{Source: "/dev/sda4", MountPoint: "swap", FSType: "swap"},
			}}
			opts := s.SwapOptions(context.Background())
			Expect(opts.Preserve).To(ContainElement("/swapfile"))
			Expect(opts.Preserve).ToNot(ContainElement("/dev/sda4"))
		})
	})

	Describe("removing the staged root", func() {
		BeforeEach(func() {
			Expect(vfs.MkdirAll(fs, "/gentoo-inplace/usr/bin", 0o755)).To(Succeed())
			s.Config.DownloadDir = "/root/.cache"
		})

		It("removes the staged root and the downloads", func() {
			Expect(s.RemoveStagedRoot(context.Background())).To(Succeed())
			_, err := fs.Stat("/gentoo-inplace")
			Expect(err).To(HaveOccurred())
			_, err = fs.Stat("/root/.cache/x.tar")
			Expect(err).To(HaveOccurred())
			Expect(s.StagedKept).To(BeFalse())
		})

		It("keeps the downloads when asked", func() {
			s.Config.KeepDownload = true
			Expect(s.RemoveStagedRoot(context.Background())).To(Succeed())
			_, err := fs.Stat("/root/.cache/x.tar")
			Expect(err).ToNot(HaveOccurred())
		})

		It("keeps everything when the copy failed", func() {
			s.Swap = swap.Report{CopyErrors: errors.New("cp: /usr: No space left on device")}
			Expect(s.RemoveStagedRoot(context.Background())).To(Succeed())
			Expect(s.StagedKept).To(BeTrue())
			_, err := fs.Stat("/gentoo-inplace/usr/bin")
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Describe("summary", func() {
		It("reports what needs review", func() {
			s.Cmdline = cmdline.Result{
				Options:  []string{"quiet", "root=UUID=0a3407de-014b-458b-b5c1-848e92a327a3"},
				Dropped:  []string{"root=/dev/sda2"},
				Unparsed: []string{"foo.bar=1"},
			}
			s.Bootloader = bootloader.Result{BIOS: true, BIOSDisk: "/dev/sda"}
			s.Bootloader.Diagnostics.Add(schema.SeverityError, "bootloader", "could not tell which partition is the ESP")
			s.Swap = swap.Report{Deleted: []string{"/etc", "/usr"}, Copied: []string{"etc", "usr"}}

			out := &bytes.Buffer{}
			s.WriteSummary(out)
			Expect(out.String()).To(ContainSubstring("root=/dev/sda2"))
			Expect(out.String()).To(ContainSubstring("foo.bar=1"))
			Expect(out.String()).To(ContainSubstring("BIOS on /dev/sda"))
			Expect(out.String()).To(ContainSubstring("[error] bootloader: could not tell which partition is the ESP"))
			Expect(out.String()).To(ContainSubstring("Deleted 2 entries, copied 2 directories"))
			Expect(out.String()).To(ContainSubstring("Staged root removed"))
		})

		It("tells where the kept staged root is", func() {
			s.StagedKept = true
			out := &bytes.Buffer{}
			s.WriteSummary(out)
			Expect(out.String()).To(ContainSubstring("Staged root kept at /gentoo-inplace"))
		})
	})
})

type installRunner struct {
	calls []internalUtils.Command
	onRun func()
}

func (r *installRunner) Run(_ context.Context, c internalUtils.Command) (string, error) {
	r.calls = append(r.calls, c)
	r.onRun()
	return "", nil
}
