package swap

import (
	"context"
	"path/filepath"
	"strings"

	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
)

const btrfsSource = "swap"

// BtrfsPreserve returns the paths holding read only subvolumes, and the mount points of the default
// subvolume when root lives in another one. Those must not be deleted.
func BtrfsPreserve(ctx context.Context, r internalUtils.Runner, root string, topo schema.Topology) ([]string, schema.Diagnostics) {
	var diags schema.Diagnostics
	if !topo.BtrfsEnabled {
		return nil, diags
	}
	layers := topo.LayersOf(schema.LayerBtrfs)
	var res []string

	out, err := r.Run(ctx, internalUtils.NewCommand("btrfs", "subvolume", "list", "-r", root))
	if err != nil {
		diags.Add(schema.SeverityWarning, btrfsSource, "listing read only subvolumes failed: %s", err)
	} else {
		for _, ro := range subvolumePaths(out) {
			res = append(res, visiblePaths(layers, ro)...)
		}
	}

	out, err = r.Run(ctx, internalUtils.NewCommand("btrfs", "subvolume", "get-default", root))
	if err != nil {
		diags.Add(schema.SeverityWarning, btrfsSource, "reading the default subvolume failed: %s", err)
		return internalUtils.UniqueSlice(res), diags
	}
	def := ""
	if paths := subvolumePaths(out); len(paths) > 0 {
		def = paths[0]
	}
	rootSubvol := ""
	for _, l := range layers {
		if l.IsRootSubvolume {
			rootSubvol = trimSubvol(l.Subvolume)
		}
	}
	if rootSubvol != def {
		for _, l := range layers {
			if trimSubvol(l.Subvolume) == def && l.MountPoint != "/" {
				internalUtils.Log.Info().Str("subvol", def).Str("path", l.MountPoint).Msg("Preserving default subvolume")
				res = append(res, l.MountPoint)
			}
		}
	}
	return internalUtils.UniqueSlice(res), diags
}

// subvolumePaths extracts the path column of btrfs subvolume list/get-default output.
// The top level subvolume (ID 5 (FS_TREE)) has the empty path.
func subvolumePaths(out string) []string {
	var res []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		i := strings.Index(line, " path ")
		if i < 0 {
			if strings.Contains(line, "(FS_TREE)") {
				res = append(res, "")
			}
			continue
		}
		res = append(res, trimSubvol(line[i+len(" path "):]))
	}
	return res
}

func trimSubvol(s string) string {
	s = strings.TrimPrefix(s, "<FS_TREE>")
	return strings.Trim(s, "/")
}

// visiblePaths maps a subvolume path to where it shows up under the mounted subvolumes.
func visiblePaths(layers []schema.StorageLayer, subvol string) []string {
	var res []string
	for _, l := range layers {
		mounted := trimSubvol(l.Subvolume)
		switch {
		case mounted == subvol:
			if l.MountPoint != "/" {
				res = append(res, l.MountPoint)
			}
		case mounted == "":
			res = append(res, filepath.Join(l.MountPoint, subvol))
		case strings.HasPrefix(subvol, mounted+"/"):
			res = append(res, filepath.Join(l.MountPoint, strings.TrimPrefix(subvol, mounted+"/")))
		}
	}
	return res
}
