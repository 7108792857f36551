package utils

import (
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/containerd/containerd/mount"
	"github.com/moby/sys/mountinfo"
)

// IsBind reports whether the mount options describe a bind mount.
func IsBind(options []string) bool {
	return slices.Contains(options, "bind") || slices.Contains(options, "rbind")
}

// SameDevice compares two device paths after resolving links like /dev/disk/by-uuid.
func SameDevice(a, b string) bool {
	if ra, err := filepath.EvalSymlinks(a); err == nil {
		a = ra
	}
	if rb, err := filepath.EvalSymlinks(b); err == nil {
		b = rb
	}
	return a == b
}

// FstabLine renders m as a fstab line mounted on file. Options keep their order, mount(8) applies them
// left to right so "user,exec" and "exec,user" are different mounts.
func FstabLine(m mount.Mount, file string, passNo int) string {
	opts := CleanupSlice(m.Options)
	if len(opts) == 0 {
		opts = []string{"defaults"}
	}
	return strings.Join([]string{m.Source, file, m.Type, strings.Join(opts, ","), "0", strconv.Itoa(passNo)}, " ")
}

// MountsUnder returns every mount point below (and including) path, deepest first.
func MountsUnder(path string) ([]string, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(path))
	if err != nil {
		return nil, err
	}
	var res []string
	for _, m := range mounts {
		res = append(res, m.Mountpoint)
	}
	sort.Slice(res, func(i, j int) bool { return len(res[i]) > len(res[j]) })
	return res, nil
}
