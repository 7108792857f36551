package topology

import (
	"path/filepath"
	"strings"

	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
)

type node struct {
	dev    schema.LsblkDevice
	parent *node
}

func (n *node) path() string {
	if n.dev.Path != "" {
		return n.dev.Path
	}
	if n.dev.KName != "" {
		return filepath.Join("/dev", n.dev.KName)
	}
	return filepath.Join("/dev", n.dev.Name)
}

// index flattens the lsblk tree. lsblk prints devices with several parents (a volume group spanning
// disks) once per parent, the first occurrence wins.
type index struct {
	nodes   []*node
	byPath  map[string]*node
	byMajor map[string]*node
}

func newIndex(tree schema.LsblkOutput) *index {
	idx := &index{byPath: map[string]*node{}, byMajor: map[string]*node{}}
	var add func(devs []schema.LsblkDevice, parent *node)
	add = func(devs []schema.LsblkDevice, parent *node) {
		for _, d := range devs {
			n := &node{dev: d, parent: parent}
			idx.nodes = append(idx.nodes, n)
			for _, k := range candidatePaths(d) {
				if _, ok := idx.byPath[k]; !ok {
					idx.byPath[k] = n
				}
			}
			if d.MajMin != "" {
				if _, ok := idx.byMajor[d.MajMin]; !ok {
					idx.byMajor[d.MajMin] = n
				}
			}
			add(d.Children, n)
		}
	}
	add(tree.Blockdevices, nil)
	return idx
}

func candidatePaths(d schema.LsblkDevice) []string {
	var res []string
	if d.Path != "" {
		res = append(res, d.Path)
	}
	if d.KName != "" {
		res = append(res, filepath.Join("/dev", d.KName))
	}
	if d.Name != "" {
		res = append(res, filepath.Join("/dev", d.Name), filepath.Join("/dev/mapper", d.Name))
	}
	return res
}

// lookup finds the node for a mount source, by path first as btrfs reports an anonymous device number.
func (idx *index) lookup(source, majMin string) *node {
	if strings.HasPrefix(source, "/dev/") {
		if n, ok := idx.byPath[source]; ok {
			return n
		}
	}
	if n, ok := idx.byMajor[majMin]; ok && majMin != "" {
		return n
	}
	return nil
}
