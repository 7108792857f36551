package topology_test

import (
	"context"
	"fmt"

	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/topology"
	"github.com/moby/sys/mountinfo"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
)

type fakeRunner struct {
	outputs map[string]string
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, c internalUtils.Command) (string, error) {
	f.calls = append(f.calls, c.String())
	if out, ok := f.outputs[c.String()]; ok {
		return out, nil
	}
	return "", fmt.Errorf("unexpected command %s", c.String())
}

func luksTree(uuid string) schema.LsblkOutput {
	return schema.LsblkOutput{Blockdevices: []schema.LsblkDevice{
		{Name: "sda", Path: "/dev/sda", MajMin: "8:0", Type: "disk", Children: []schema.LsblkDevice{
			{Name: "sda1", Path: "/dev/sda1", MajMin: "8:1", Type: "part", FSType: "vfat", PartUUID: "0d2a1b3c-0000-4000-8000-000000000001"},
			{Name: "sda2", Path: "/dev/sda2", MajMin: "8:2", Type: "part", FSType: "crypto_LUKS", UUID: uuid, Children: []schema.LsblkDevice{
				{Name: "cryptroot", Path: "/dev/mapper/cryptroot", KName: "dm-0", MajMin: "254:0", Type: "crypt", FSType: "ext4", UUID: "11111111-2222-3333-4444-555555555555"},
			}},
		}},
	}}
}

var _ = Describe("storage topology", func() {
	var fs vfs.FS
	var cleanup func()
	var runner *fakeRunner
	var analyzer *topology.Analyzer

	BeforeEach(func() {
		var err error
		fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
			"/proc/swaps": "Filename\tType\tSize\tUsed\tPriority\n/dev/dm-2 partition 1048572 0 -2\n",
		})
		Expect(err).ToNot(HaveOccurred())
		runner = &fakeRunner{outputs: map[string]string{}}
		analyzer = topology.NewAnalyzer(runner, fs, "/gentoo-inplace")
	})
	AfterEach(func() {
		cleanup()
	})

	Context("luks", func() {
		const luksUUID = "a1b2c3d4-e5f6-4789-8abc-def012345678"

		It("enables luks when the root filesystem is encrypted", func() {
			infos := []*mountinfo.Info{
				{Major: 254, Minor: 0, Root: "/", Mountpoint: "/", FSType: "ext4", Source: "/dev/mapper/cryptroot", Options: "rw,relatime"},
			}
			topo := analyzer.Analyze(context.Background(), infos, nil, luksTree(luksUUID))
			Expect(topo.LUKSEnabled).To(BeTrue())
			Expect(topo.LVMEnabled).To(BeFalse())
			luks := topo.LayersOf(schema.LayerLUKS)
			Expect(luks).To(HaveLen(1))
			Expect(luks[0].MapperName).To(Equal("cryptroot"))
			Expect(luks[0].ParentDevice).To(Equal("/dev/sda2"))
			Expect(luks[0].ParentUUID).To(Equal(luksUUID))
			Expect(topo.MapperUUIDs).To(HaveKeyWithValue("cryptroot", "11111111-2222-3333-4444-555555555555"))
			plain := topo.LayersOf(schema.LayerPlain)
			Expect(plain).To(HaveLen(1))
			Expect(plain[0].Device).To(Equal("/dev/sda2"))
		})
		It("does not enable luks for data mounts", func() {
			infos := []*mountinfo.Info{
				{Major: 8, Minor: 1, Root: "/", Mountpoint: "/", FSType: "ext4", Source: "/dev/sda1", Options: "rw"},
				{Major: 254, Minor: 0, Root: "/", Mountpoint: "/mnt/data", FSType: "ext4", Source: "/dev/mapper/cryptroot", Options: "rw"},
			}
			topo := analyzer.Analyze(context.Background(), infos, nil, luksTree(luksUUID))
			Expect(topo.LUKSEnabled).To(BeFalse())
			Expect(topo.LayersOf(schema.LayerLUKS)).To(HaveLen(1))
		})
		It("falls back to cryptsetup when lsblk has no uuid", func() {
			runner.outputs["cryptsetup luksUUID /dev/sda2"] = luksUUID + "\n"
			infos := []*mountinfo.Info{
				{Major: 254, Minor: 0, Root: "/", Mountpoint: "/", FSType: "ext4", Source: "/dev/mapper/cryptroot", Options: "rw"},
			}
			topo := analyzer.Analyze(context.Background(), infos, nil, luksTree(""))
			Expect(topo.LayersOf(schema.LayerLUKS)[0].ParentUUID).To(Equal(luksUUID))
			Expect(runner.calls).To(ContainElement("cryptsetup luksUUID /dev/sda2"))
		})
	})

	Context("lvm on luks with btrfs", func() {
		tree := schema.LsblkOutput{Blockdevices: []schema.LsblkDevice{
			{Name: "nvme0n1", Path: "/dev/nvme0n1", MajMin: "259:0", Type: "disk", Children: []schema.LsblkDevice{
				{Name: "nvme0n1p2", Path: "/dev/nvme0n1p2", MajMin: "259:2", Type: "part", UUID: "a1b2c3d4-e5f6-4789-8abc-def012345678", Children: []schema.LsblkDevice{
					{Name: "luks-a1b2", Path: "/dev/mapper/luks-a1b2", KName: "dm-0", MajMin: "254:0", Type: "crypt", Children: []schema.LsblkDevice{
						{Name: "my--vg-root", Path: "/dev/mapper/my--vg-root", KName: "dm-1", MajMin: "254:1", Type: "lvm", FSType: "btrfs", UUID: "99999999-2222-3333-4444-555555555555"},
						{Name: "my--vg-swap", Path: "/dev/mapper/my--vg-swap", KName: "dm-2", MajMin: "254:2", Type: "lvm", FSType: "swap"},
					}},
				}},
			}},
		}}

		It("records every layer against the mount point", func() {
			infos := []*mountinfo.Info{
				{Major: 0, Minor: 30, Root: "/@", Mountpoint: "/", FSType: "btrfs", Source: "/dev/mapper/my--vg-root", Options: "rw,noatime", VFSOptions: "rw,ssd,subvol=/@"},
				{Major: 0, Minor: 30, Root: "/@home", Mountpoint: "/home", FSType: "btrfs", Source: "/dev/mapper/my--vg-root", Options: "rw,noatime", VFSOptions: "rw,subvol=/@home"},
				{Major: 0, Minor: 30, Root: "/@", Mountpoint: "/gentoo-inplace/boot", FSType: "btrfs", Source: "/dev/mapper/my--vg-root"},
			}
			swaps, err := analyzer.Swaps()
			Expect(err).ToNot(HaveOccurred())
			topo := analyzer.Analyze(context.Background(), infos, swaps, tree)

			Expect(topo.LUKSEnabled).To(BeTrue())
			Expect(topo.LVMEnabled).To(BeTrue())
			Expect(topo.BtrfsEnabled).To(BeTrue())
			Expect(topo.Mounts).To(HaveLen(3))

			btrfs := topo.LayersOf(schema.LayerBtrfs)
			Expect(btrfs).To(HaveLen(2))
			Expect(btrfs[0].Subvolume).To(Equal("/@"))
			Expect(btrfs[0].IsRootSubvolume).To(BeTrue())
			Expect(btrfs[1].Subvolume).To(Equal("/@home"))
			Expect(btrfs[1].IsRootSubvolume).To(BeFalse())

			var lvs []string
			for _, l := range topo.LayersOf(schema.LayerLVM) {
				lvs = append(lvs, l.VolumeGroup+"/"+l.LogicalVolume+"@"+l.MountPoint)
			}
			Expect(lvs).To(ConsistOf("my-vg/root@/", "my-vg/root@/home", "my-vg/swap@swap"))

			root, ok := topo.MountFor("/")
			Expect(ok).To(BeTrue())
			Expect(root.Options).To(Equal([]string{"rw", "noatime", "subvol=/@"}))
		})
	})

	Context("SplitLVMName", func() {
		It("splits on the single dash", func() {
			vg, lv, ok := topology.SplitLVMName("vg0-root")
			Expect(ok).To(BeTrue())
			Expect(vg).To(Equal("vg0"))
			Expect(lv).To(Equal("root"))
		})
		It("unescapes doubled dashes", func() {
			vg, lv, ok := topology.SplitLVMName("my--vg-my--lv")
			Expect(ok).To(BeTrue())
			Expect(vg).To(Equal("my-vg"))
			Expect(lv).To(Equal("my-lv"))
		})
		It("fails on names it cannot split", func() {
			_, _, ok := topology.SplitLVMName("nodash")
			Expect(ok).To(BeFalse())
			_, _, ok = topology.SplitLVMName("-root")
			Expect(ok).To(BeFalse())
		})
	})

	It("reports unresolvable logical volumes without enabling lvm", func() {
		tree := schema.LsblkOutput{Blockdevices: []schema.LsblkDevice{
			{Name: "sda", Path: "/dev/sda", Type: "disk", Children: []schema.LsblkDevice{
				{Name: "lvroot", Path: "/dev/mapper/lvroot", MajMin: "254:0", Type: "lvm"},
			}},
		}}
		infos := []*mountinfo.Info{{Major: 254, Minor: 0, Mountpoint: "/", FSType: "xfs", Source: "/dev/mapper/lvroot"}}
		topo := analyzer.Analyze(context.Background(), infos, nil, tree)
		Expect(topo.LVMEnabled).To(BeFalse())
		Expect(topo.Diagnostics).To(HaveLen(1))
		Expect(topo.Diagnostics[0].Severity).To(Equal(schema.SeverityError))
	})

	It("decodes lsblk json", func() {
		runner.outputs["lsblk -J -o NAME,KNAME,PATH,MAJ:MIN,TYPE,FSTYPE,UUID,PARTUUID,LABEL,MOUNTPOINT"] = `{"blockdevices": [{"name":"sda","kname":"sda","path":"/dev/sda","maj:min":"8:0","type":"disk","fstype":null,"uuid":null,"partuuid":null,"label":null,"mountpoint":null,"children":[{"name":"sda1","kname":"sda1","path":"/dev/sda1","maj:min":"8:1","type":"part","fstype":"ext4","uuid":"abc","partuuid":"def","label":"root","mountpoint":"/"}]}]}`
		tree, err := analyzer.BlockTree(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(tree.Blockdevices).To(HaveLen(1))
		Expect(tree.Blockdevices[0].Children[0].MajMin).To(Equal("8:1"))
		Expect(tree.Blockdevices[0].Children[0].MountPoint).To(Equal("/"))
	})
})
