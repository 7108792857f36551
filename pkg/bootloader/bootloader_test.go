package bootloader_test

import (
	"context"
	"errors"
	"strings"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/bootloader"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const efibootmgr = `BootCurrent: 0001
Timeout: 1 seconds
BootOrder: 0001,0000
Boot0000* UEFI OS	HD(1,GPT,81635ccd-1b4f-4d3f-b7b7-f78a5b029f35,0x40,0xf000)/File(\EFI\BOOT\BOOTX64.EFI)..BO
Boot0001* debian	HD(1,GPT,3C1E2A4B-5D6F-4A8B-9C0D-1E2F3A4B5C6D,0x800,0x100000)/File(\EFI\debian\shimx64.efi)
`

type fakeRunner struct {
	out   map[string]string
	fail  map[string]bool
	calls []string
}

func (f *fakeRunner) Run(_ context.Context, c internalUtils.Command) (string, error) {
	f.calls = append(f.calls, c.String())
	for k := range f.fail {
		if strings.HasPrefix(c.String(), k) {
			return "", errors.New("exit status 1")
		}
	}
	return f.out[c.String()], nil
}

type fakeMounter struct {
	mounted []string
}

func (f *fakeMounter) AddDevice(_ context.Context, device, _, target string) error {
	f.mounted = append(f.mounted, device+" "+target)
	return nil
}

var parts = []bootloader.Partition{
	{Name: "sda1", Disk: "sda", FSType: "vfat", Label: "EFI System Partition", MountPoint: "/boot/efi", UUID: "3c1e2a4b-5d6f-4a8b-9c0d-1e2f3a4b5c6d"},
	{Name: "sda2", Disk: "sda", FSType: "ext4", MountPoint: "/boot"},
	{Name: "sda3", Disk: "sda", FSType: "crypto_LUKS"},
}

var topo = schema.Topology{Mounts: []schema.MountEntry{
	{Source: "/dev/mapper/vg0-root", MountPoint: "/", FSType: "ext4"},
	{Source: "/dev/sda2", MountPoint: "/boot", FSType: "ext4"},
	{Source: "/dev/sda1", MountPoint: "/boot/efi", FSType: "vfat"},
}}

var _ = Describe("bootloader", func() {
	Context("efibootmgr", func() {
		It("finds the partition of the current entry", func() {
			u, ok := bootloader.BootCurrentPartUUID(efibootmgr)
			Expect(ok).To(BeTrue())
			Expect(u).To(Equal("3c1e2a4b-5d6f-4a8b-9c0d-1e2f3a4b5c6d"))
		})
		It("gives up on entries without a GPT partition", func() {
			_, ok := bootloader.BootCurrentPartUUID("BootCurrent: 0002\nBoot0002* PXE	PciRoot(0x0)/Pci(0x3,0x0)/MAC(525400123456,1)\n")
			Expect(ok).To(BeFalse())
			_, ok = bootloader.BootCurrentPartUUID("Timeout: 1 seconds\n")
			Expect(ok).To(BeFalse())
		})
	})

	Context("ESP selection", func() {
		fat := func(name, mp, label string) bootloader.Partition {
			return bootloader.Partition{Name: name, Disk: "sda", FSType: "vfat", MountPoint: mp, Label: label}
		}

		It("prefers the boot entry partition", func() {
			p, tier, ok := bootloader.SelectESP(parts, "3C1E2A4B-5D6F-4A8B-9C0D-1E2F3A4B5C6D")
			Expect(ok).To(BeTrue())
			Expect(tier).To(Equal(bootloader.TierBootEntry))
			Expect(p.Name).To(Equal("sda1"))
		})
		It("prefers efi over boot", func() {
			p, tier, ok := bootloader.SelectESP([]bootloader.Partition{fat("sdb1", "/boot", ""), fat("sdb2", "/efi", "")}, "")
			Expect(ok).To(BeTrue())
			Expect(tier).To(Equal(bootloader.TierEFI))
			Expect(p.Name).To(Equal("sdb2"))
		})
		It("falls back to boot", func() {
			p, tier, ok := bootloader.SelectESP([]bootloader.Partition{fat("sdb1", "", "BOOT"), {Name: "sdb2", FSType: "ext4", MountPoint: "/efi"}}, "")
			Expect(ok).To(BeTrue())
			Expect(tier).To(Equal(bootloader.TierBoot))
			Expect(p.Name).To(Equal("sdb1"))
		})
		It("prefers the mounted partition within a tier", func() {
			p, _, ok := bootloader.SelectESP([]bootloader.Partition{fat("sda1", "", "EFI"), fat("sdb1", "/boot/efi", "EFI")}, "")
			Expect(ok).To(BeTrue())
			Expect(p.Name).To(Equal("sdb1"))
		})
		It("does not guess", func() {
			_, tier, ok := bootloader.SelectESP([]bootloader.Partition{fat("sda1", "", "EFI"), fat("sdb1", "", "EFI")}, "")
			Expect(ok).To(BeFalse())
			Expect(tier).To(Equal(bootloader.TierEFI))

			_, tier, ok = bootloader.SelectESP([]bootloader.Partition{fat("sda1", "", "DATA")}, "")
			Expect(ok).To(BeFalse())
			Expect(tier).To(BeEmpty())
		})
	})

	Context("BIOS disk", func() {
		It("resolves /boot to its disk", func() {
			disk, err := bootloader.BIOSDisk(topo, parts)
			Expect(err).ToNot(HaveOccurred())
			Expect(disk).To(Equal("/dev/sda"))
		})
		It("skips device mapper sources", func() {
			t := schema.Topology{Mounts: topo.Mounts[:1]}
			_, err := bootloader.BIOSDisk(t, parts)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("device mapper"))
		})
	})

	Context("install", func() {
		var chroot, host *fakeRunner
		var mounter *fakeMounter
		var inst *bootloader.Installer

		BeforeEach(func() {
			chroot = &fakeRunner{fail: map[string]bool{}}
			host = &fakeRunner{out: map[string]string{"efibootmgr -v": efibootmgr}, fail: map[string]bool{}}
			mounter = &fakeMounter{}
			inst = &bootloader.Installer{
				Chroot:     chroot,
				Host:       host,
				Root:       "/gentoo-inplace",
				Arch:       "amd64",
				ID:         "gentoo",
				EFI:        true,
				Topology:   topo,
				Partitions: func() ([]bootloader.Partition, error) { return parts, nil },
				SecureBoot: func() bool { return true },
				Mounter:    mounter,
			}
		})

		It("installs both paths", func() {
			res, err := inst.Install(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(res.BIOS).To(BeTrue())
			Expect(res.UEFI).To(BeTrue())
			Expect(res.ESPMount).To(Equal("/boot/efi"))
			Expect(res.SecureBoot).To(BeTrue())
			Expect(chroot.calls).To(Equal([]string{
				"grub-install --target=i386-pc /dev/sda",
				"grub-install --target=x86_64-efi --efi-directory=/boot/efi --bootloader-id=gentoo",
				"grub-install --target=x86_64-efi --efi-directory=/boot/efi --removable",
				"grub-mkconfig -o /boot/grub/grub.cfg",
			}))
			Expect(mounter.mounted).To(Equal([]string{"/dev/sda1 /boot/efi"}))
		})

		It("tolerates one failing path", func() {
			chroot.fail["grub-install --target=i386-pc"] = true
			res, err := inst.Install(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(res.BIOS).To(BeFalse())
			Expect(res.UEFI).To(BeTrue())
			Expect(res.Diagnostics).ToNot(BeEmpty())
		})

		It("fails when nothing could be installed", func() {
			inst.EFI = false
			inst.Topology = schema.Topology{Mounts: topo.Mounts[:1]}
			_, err := inst.Install(context.Background())
			Expect(err).To(MatchError(constants.ErrNoBootloader))
			Expect(chroot.calls).To(BeEmpty())
		})

		It("reports an unresolved ESP", func() {
			inst.Arch = "arm64"
			inst.Partitions = func() ([]bootloader.Partition, error) { return parts[1:], nil }
			res, err := inst.Install(context.Background())
			Expect(err).To(MatchError(constants.ErrNoBootloader))
			Expect(res.Diagnostics).To(ContainElement(HaveField("Severity", schema.SeverityError)))
			Expect(mounter.mounted).To(BeEmpty())
		})
	})
})
