package hostpkg_test

import (
	"context"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/hostpkg"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeHost struct {
	present  map[string]bool
	provides map[string][]string
	calls    []string
}

func (f *fakeHost) exists(name string) bool {
	return f.present[name]
}

func (f *fakeHost) Run(_ context.Context, c internalUtils.Command) (string, error) {
	f.calls = append(f.calls, c.String())
	for _, a := range c.Args {
		for _, bin := range f.provides[a] {
			f.present[bin] = true
		}
	}
	return "", nil
}

var _ = Describe("host package manager", func() {
	It("probes families in order", func() {
		pm, err := hostpkg.Detect(func(s string) bool { return s == "zypper" || s == "xbps-install" })
		Expect(err).ToNot(HaveOccurred())
		Expect(pm.Name()).To(Equal("zypper"))

		pm, err = hostpkg.Detect(func(s string) bool { return s == "xbps-install" })
		Expect(err).ToNot(HaveOccurred())
		Expect(pm.Name()).To(Equal("xbps"))

		_, err = hostpkg.Detect(func(string) bool { return false })
		Expect(err).To(MatchError(constants.ErrMissingTool))
	})

	DescribeTable("maps logical names",
		func(pm hostpkg.PackageManager, logical, pkg string) {
			Expect(pm.Package(logical)).To(Equal(pkg))
		},
		Entry("apt gpg", hostpkg.Apt, hostpkg.GPG, "gnupg"),
		Entry("apt xz", hostpkg.Apt, hostpkg.XZ, "xz-utils"),
		Entry("dnf gpg", hostpkg.Dnf, hostpkg.GPG, "gnupg2"),
		Entry("zypper btrfs", hostpkg.Zypper, hostpkg.Btrfs, "btrfsprogs"),
		Entry("pacman tar", hostpkg.Pacman, hostpkg.Tar, "tar"),
		Entry("opkg efibootmgr", hostpkg.Opkg, hostpkg.EFIBootMgr, "efibootmgr"),
	)

	It("refreshes apt before installing", func() {
		cmds := hostpkg.Apt.InstallCommands("gnupg", "xz-utils")
		Expect(cmds).To(HaveLen(2))
		Expect(cmds[0].String()).To(Equal("apt-get update"))
		Expect(cmds[1].String()).To(Equal("apt-get install -y --no-install-recommends gnupg xz-utils"))
		Expect(cmds[1].Env).To(ContainElement("DEBIAN_FRONTEND=noninteractive"))

		cmds = hostpkg.Dnf.InstallCommands("gnupg2")
		Expect(cmds).To(HaveLen(1))
		Expect(cmds[0].String()).To(Equal("dnf install -y gnupg2"))
	})

	It("installs only what is missing", func() {
		host := &fakeHost{
			present:  map[string]bool{"tar": true, "lsblk": true},
			provides: map[string][]string{"gnupg": {"gpg"}, "xz-utils": {"xz"}},
		}
		i := hostpkg.Installer{Manager: hostpkg.Apt, Runner: host, Exists: host.exists}
		Expect(i.Ensure(context.Background(), hostpkg.Tar, hostpkg.GPG, hostpkg.XZ, hostpkg.Lsblk)).To(Succeed())
		Expect(host.calls).To(Equal([]string{
			"apt-get update",
			"apt-get install -y --no-install-recommends gnupg xz-utils",
		}))

		host.calls = nil
		Expect(i.Ensure(context.Background(), hostpkg.Tar, hostpkg.GPG)).To(Succeed())
		Expect(host.calls).To(BeEmpty())
	})

	It("fails when the tool is still missing after installing", func() {
		host := &fakeHost{present: map[string]bool{}, provides: map[string][]string{}}
		i := hostpkg.Installer{Manager: hostpkg.Pacman, Runner: host, Exists: host.exists}
		err := i.Ensure(context.Background(), hostpkg.EFIBootMgr)
		Expect(err).To(MatchError(constants.ErrMissingTool))
		Expect(host.calls).To(Equal([]string{"pacman -Sy --noconfirm --needed efibootmgr"}))
	})
})
