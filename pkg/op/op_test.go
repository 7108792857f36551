package op_test

import (
	"context"
	"path/filepath"
	"time"

	"github.com/gentoo-inplace/gentoo-inplace/pkg/op"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("mount operations", func() {
	It("binds host paths below the root as slaves", func() {
		m := op.MountBind("/proc", "/gentoo-inplace", false)
		Expect(m.Target).To(Equal("/gentoo-inplace/proc"))
		Expect(m.MountOption.Source).To(Equal("/proc"))
		Expect(m.MountOption.Type).To(Equal("none"))
		Expect(m.MountOption.Options).To(Equal([]string{"bind", "rslave"}))

		m = op.MountBind("/dev/", "/gentoo-inplace", true)
		Expect(m.Target).To(Equal("/gentoo-inplace/dev"))
		Expect(m.MountOption.Options).To(Equal([]string{"rbind", "rslave"}))
	})

	It("mounts devices with their options", func() {
		m := op.MountDevice("/dev/sda1", "vfat", "/gentoo-inplace/boot/efi", "umask=0077")
		Expect(m.Target).To(Equal("/gentoo-inplace/boot/efi"))
		Expect(m.MountOption.Type).To(Equal("vfat"))
		Expect(m.MountOption.Options).To(Equal([]string{"umask=0077"}))
	})

	It("times out on devices that never show up", func() {
		target := filepath.Join(GinkgoT().TempDir(), "jojobizarreadventure")
		err := op.MountWithTimeout(context.Background(), op.MountDevice("/dev/doesntexist", "ext4", target), 500*time.Millisecond)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("exhausted"))
	})

	It("stops when the context is canceled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		target := filepath.Join(GinkgoT().TempDir(), "canceled")
		err := op.MountWithTimeout(ctx, op.MountDevice("/dev/doesntexist", "ext4", target), time.Minute)
		Expect(err).To(MatchError(context.Canceled))
	})
})
