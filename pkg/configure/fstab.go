package configure

import (
	"bytes"
	"slices"
	"strings"

	"github.com/containerd/containerd/mount"
	"github.com/deniswernert/go-fstab"
	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
)

// volatile mount options that describe the live mount and not how to mount it.
var volatileOptions = []string{"seclabel", "subvolid", "inode64", "attr2", "noquota"}

// bootMount reports if a mount point has to be in the fstab of the new system.
func bootMount(mp string) bool {
	return internalUtils.IsSystemMountPoint(mp, constants.SystemMountPoints()) || mp == "/boot" || strings.HasPrefix(mp, "/boot/")
}

// MergeFstab keeps the host fstab as it is and appends the live mounts needed to boot that it lacks.
// Host lines are copied untouched, comments and option order included.
func MergeFstab(host []byte, mounts []schema.MountEntry) (string, error) {
	entries, err := fstab.Parse(bytes.NewReader(host))
	if err != nil {
		return "", err
	}
	known := map[string]bool{}
	// live swaps are only added when the host fstab has none
	hostSwap := false
	for _, e := range entries {
		if e.IsSwap() {
			hostSwap = true
			continue
		}
		known[e.File] = true
	}
	swaps := map[string]bool{}

	var added []string
	for _, m := range mounts {
		if !bootMount(m.MountPoint) {
			continue
		}
		if m.MountPoint == "swap" {
			if hostSwap || swaps[m.Source] {
				continue
			}
			added = append(added, internalUtils.FstabLine(mount.Mount{Source: m.Source, Type: "swap", Options: []string{"sw"}}, "none", 0))
			swaps[m.Source] = true
			continue
		}
		if known[m.MountPoint] || !strings.HasPrefix(m.Source, "/dev/") {
			continue
		}
		var opts []string
		for _, o := range m.Options {
			k, _, _ := strings.Cut(o, "=")
			if !slices.Contains(volatileOptions, k) {
				opts = append(opts, o)
			}
		}
		line := internalUtils.FstabLine(mount.Mount{Source: m.Source, Type: m.FSType, Options: opts}, m.MountPoint, passNo(m))
		internalUtils.Log.Debug().Str("what", line).Msg("Adding live mount to fstab")
		added = append(added, line)
		known[m.MountPoint] = true
	}

	var b strings.Builder
	b.WriteString(header)
	if len(host) > 0 {
		b.Write(host)
		if host[len(host)-1] != '\n' {
			b.WriteString("\n")
		}
	}
	for _, l := range added {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func passNo(m schema.MountEntry) int {
	switch {
	case m.FSType == "btrfs" || m.FSType == "xfs":
		return 0
	case m.MountPoint == "/":
		return 1
	default:
		return 2
	}
}
