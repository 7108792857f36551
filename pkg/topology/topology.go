package topology

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
	"github.com/moby/sys/mountinfo"
	"github.com/twpayne/go-vfs/v4"
)

const lsblkColumns = "NAME,KNAME,PATH,MAJ:MIN,TYPE,FSTYPE,UUID,PARTUUID,LABEL,MOUNTPOINT"

// Analyzer discovers how the host storage is stacked below each mount point.
type Analyzer struct {
	Runner internalUtils.Runner
	FS     vfs.FS
	// Mounts returns the live mount table.
	Mounts func() ([]*mountinfo.Info, error)
	// Exclude are paths whose mounts, and everything below them, are ignored. Usually the staged root.
	Exclude []string
}

func NewAnalyzer(r internalUtils.Runner, fs vfs.FS, exclude ...string) *Analyzer {
	return &Analyzer{
		Runner:  r,
		FS:      fs,
		Mounts:  func() ([]*mountinfo.Info, error) { return mountinfo.GetMounts(nil) },
		Exclude: exclude,
	}
}

// Discover reads the mount table, the swap table and the block device tree and classifies every mount.
func (a *Analyzer) Discover(ctx context.Context) (schema.Topology, error) {
	infos, err := a.Mounts()
	if err != nil {
		return schema.Topology{}, fmt.Errorf("reading mount table: %w", err)
	}
	tree, err := a.BlockTree(ctx)
	if err != nil {
		return schema.Topology{}, err
	}
	swaps, err := a.Swaps()
	if err != nil {
		internalUtils.Log.Warn().Err(err).Msg("Reading swap table")
	}
	return a.Analyze(ctx, infos, swaps, tree), nil
}

// BlockTree returns the block device tree as reported by lsblk.
func (a *Analyzer) BlockTree(ctx context.Context) (schema.LsblkOutput, error) {
	var tree schema.LsblkOutput
	out, err := a.Runner.Run(ctx, internalUtils.NewCommand("lsblk", "-J", "-o", lsblkColumns))
	if err != nil {
		return tree, fmt.Errorf("listing block devices: %w", err)
	}
	if err := json.Unmarshal([]byte(out), &tree); err != nil {
		return tree, fmt.Errorf("decoding lsblk output: %w", err)
	}
	return tree, nil
}

// Swaps returns the active swap areas as mount entries with the "swap" mount point.
func (a *Analyzer) Swaps() ([]schema.MountEntry, error) {
	data, err := a.FS.ReadFile("/proc/swaps")
	if err != nil {
		return nil, err
	}
	var res []schema.MountEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		res = append(res, schema.MountEntry{
			Source:     unescapeOctal(fields[0]),
			MountPoint: "swap",
			FSType:     "swap",
			Options:    []string{"defaults"},
		})
	}
	return res, scanner.Err()
}

// Analyze builds the topology from already collected data.
func (a *Analyzer) Analyze(ctx context.Context, infos []*mountinfo.Info, swaps []schema.MountEntry, tree schema.LsblkOutput) schema.Topology {
	topo := schema.Topology{MapperUUIDs: map[string]string{}}
	idx := newIndex(tree)

	for _, n := range idx.nodes {
		if (n.dev.Type == "crypt" || n.dev.Type == "lvm") && n.dev.UUID != "" {
			topo.MapperUUIDs[n.dev.Name] = n.dev.UUID
		}
	}

	type located struct {
		entry  schema.MountEntry
		majMin string
		root   string
	}
	var all []located
	for _, info := range infos {
		if a.excluded(info.Mountpoint) {
			continue
		}
		all = append(all, located{
			entry: schema.MountEntry{
				Source:     info.Source,
				MountPoint: info.Mountpoint,
				FSType:     info.FSType,
				Options:    mountOptions(info),
			},
			majMin: fmt.Sprintf("%d:%d", info.Major, info.Minor),
			root:   info.Root,
		})
	}
	for _, s := range swaps {
		all = append(all, located{entry: s})
	}

	for _, m := range all {
		topo.Mounts = append(topo.Mounts, m.entry)
		if m.entry.FSType == "btrfs" && filepath.IsAbs(m.entry.MountPoint) {
			subvol, ok := m.entry.Option("subvol")
			if !ok || subvol == "" {
				subvol = m.root
			}
			topo.Layers = append(topo.Layers, schema.StorageLayer{
				Kind:            schema.LayerBtrfs,
				MountPoint:      m.entry.MountPoint,
				Subvolume:       subvol,
				Options:         m.entry.Options,
				IsRootSubvolume: m.entry.MountPoint == "/",
			})
		}

		n := idx.lookup(m.entry.Source, m.majMin)
		if n == nil {
			continue
		}
		topo.Layers = append(topo.Layers, a.walk(ctx, n, m.entry.MountPoint, &topo.Diagnostics)...)
	}

	system := constants.SystemMountPoints()
	for _, l := range topo.Layers {
		if !internalUtils.IsSystemMountPoint(l.MountPoint, system) {
			continue
		}
		switch l.Kind {
		case schema.LayerLUKS:
			topo.LUKSEnabled = true
		case schema.LayerLVM:
			if l.VolumeGroup != "" {
				topo.LVMEnabled = true
			}
		case schema.LayerBtrfs:
			topo.BtrfsEnabled = true
		}
	}
	internalUtils.Log.Debug().Bool("luks", topo.LUKSEnabled).Bool("lvm", topo.LVMEnabled).Bool("btrfs", topo.BtrfsEnabled).Int("layers", len(topo.Layers)).Msg("Storage topology")
	return topo
}

// walk records every layer from the mounted device down to the physical device.
func (a *Analyzer) walk(ctx context.Context, n *node, mountPoint string, diags *schema.Diagnostics) []schema.StorageLayer {
	var layers []schema.StorageLayer
	for cur := n; cur != nil; cur = cur.parent {
		switch cur.dev.Type {
		case "crypt":
			l := schema.StorageLayer{Kind: schema.LayerLUKS, MapperName: cur.dev.Name, MountPoint: mountPoint}
			if cur.parent == nil {
				diags.Add(schema.SeverityWarning, "topology", "luks mapping %s has no parent device", cur.dev.Name)
			} else {
				l.ParentDevice = cur.parent.path()
				l.ParentUUID = cur.parent.dev.UUID
				if l.ParentUUID == "" && a.Runner != nil {
					if u, err := internalUtils.LUKSUUID(ctx, a.Runner, l.ParentDevice); err == nil {
						l.ParentUUID = u
					}
				}
				if l.ParentUUID == "" {
					diags.Add(schema.SeverityWarning, "topology", "could not read the luks uuid of %s", l.ParentDevice)
				}
			}
			layers = append(layers, l)
		case "lvm":
			vg, lv, ok := SplitLVMName(cur.dev.Name)
			if !ok {
				diags.Add(schema.SeverityError, "topology", "cannot resolve volume group of logical volume %s mounted at %s", cur.dev.Name, mountPoint)
			}
			layers = append(layers, schema.StorageLayer{Kind: schema.LayerLVM, LogicalVolume: lv, VolumeGroup: vg, MountPoint: mountPoint})
		case "part", "disk", "loop", "md", "raid0", "raid1", "raid5", "raid6", "raid10":
			return append(layers, schema.StorageLayer{Kind: schema.LayerPlain, Device: cur.path(), MountPoint: mountPoint})
		}
	}
	return layers
}

func (a *Analyzer) excluded(p string) bool {
	for _, e := range a.Exclude {
		if e == "" || e == "/" {
			continue
		}
		if p == e || strings.HasPrefix(p, strings.TrimSuffix(e, "/")+"/") {
			return true
		}
	}
	return false
}

// mountOptions returns the per mount options followed by the btrfs subvolume super option if the
// per mount ones do not carry it already.
func mountOptions(info *mountinfo.Info) []string {
	opts := internalUtils.CleanupSlice(strings.Split(info.Options, ","))
	has := false
	for _, o := range opts {
		if strings.HasPrefix(o, "subvol=") {
			has = true
		}
	}
	if !has {
		for _, o := range strings.Split(info.VFSOptions, ",") {
			if strings.HasPrefix(o, "subvol=") {
				opts = append(opts, o)
			}
		}
	}
	return opts
}

// SplitLVMName splits a device mapper name into volume group and logical volume.
// Dashes inside either name are doubled by device mapper.
func SplitLVMName(name string) (vg, lv string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] != '-' {
			continue
		}
		if i+1 < len(name) && name[i+1] == '-' {
			i++
			continue
		}
		vg = strings.ReplaceAll(name[:i], "--", "-")
		lv = strings.ReplaceAll(name[i+1:], "--", "-")
		if vg == "" || lv == "" {
			return "", "", false
		}
		return vg, lv, true
	}
	return "", "", false
}

// /proc/swaps escapes spaces and friends as \040.
func unescapeOctal(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			var v byte
			valid := true
			for _, c := range s[i+1 : i+4] {
				if c < '0' || c > '7' {
					valid = false
					break
				}
				v = v*8 + byte(c-'0')
			}
			if valid {
				b.WriteByte(v)
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
