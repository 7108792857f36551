package schema

import (
	"fmt"
	"strings"
)

// MountEntry is one mounted filesystem as seen on the live system.
type MountEntry struct {
	Source     string
	MountPoint string
	FSType     string
	// Options keep their original order, subvol= and friends are order sensitive for some tools.
	Options []string
}

// Option returns the value of a key=value option and whether it was present.
func (m MountEntry) Option(key string) (string, bool) {
	for _, o := range m.Options {
		if o == key {
			return "", true
		}
		if strings.HasPrefix(o, key+"=") {
			return strings.TrimPrefix(o, key+"="), true
		}
	}
	return "", false
}

type LayerKind string

const (
	LayerPlain LayerKind = "plain"
	LayerLVM   LayerKind = "lvm"
	LayerLUKS  LayerKind = "luks"
	LayerBtrfs LayerKind = "btrfs"
)

// StorageLayer is one level of the storage stack backing a mount point.
// Only the fields of its Kind are set.
type StorageLayer struct {
	Kind       LayerKind
	MountPoint string

	// plain
	Device string

	// lvm
	LogicalVolume string
	VolumeGroup   string

	// luks
	MapperName   string
	ParentDevice string
	ParentUUID   string

	// btrfs
	Subvolume       string
	Options         []string
	IsRootSubvolume bool
}

func (l StorageLayer) String() string {
	switch l.Kind {
	case LayerLVM:
		return fmt.Sprintf("lvm %s/%s at %s", l.VolumeGroup, l.LogicalVolume, l.MountPoint)
	case LayerLUKS:
		return fmt.Sprintf("luks %s (%s) at %s", l.MapperName, l.ParentDevice, l.MountPoint)
	case LayerBtrfs:
		return fmt.Sprintf("btrfs subvol %s at %s", l.Subvolume, l.MountPoint)
	default:
		return fmt.Sprintf("plain %s at %s", l.Device, l.MountPoint)
	}
}

// Topology is the full storage picture of the host.
type Topology struct {
	Mounts []MountEntry
	Layers []StorageLayer

	LVMEnabled   bool
	LUKSEnabled  bool
	BtrfsEnabled bool

	// MapperUUIDs maps a device mapper name to the filesystem uuid of the mapped device.
	MapperUUIDs map[string]string
	Diagnostics Diagnostics
}

// LayersOf returns the layers of the given kind.
func (t Topology) LayersOf(kind LayerKind) []StorageLayer {
	var res []StorageLayer
	for _, l := range t.Layers {
		if l.Kind == kind {
			res = append(res, l)
		}
	}
	return res
}

// MountFor returns the mount entry for a mount point.
func (t Topology) MountFor(mountPoint string) (MountEntry, bool) {
	for _, m := range t.Mounts {
		if m.MountPoint == mountPoint {
			return m, true
		}
	}
	return MountEntry{}, false
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is a non fatal finding reported to the operator at the end of the run.
type Diagnostic struct {
	Severity Severity
	Source   string
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[%s] %s: %s", d.Severity, d.Source, d.Message)
}

type Diagnostics []Diagnostic

func (d *Diagnostics) Add(sev Severity, source, format string, args ...interface{}) {
	*d = append(*d, Diagnostic{Severity: sev, Source: source, Message: fmt.Sprintf(format, args...)})
}

// Protocol is how an address family of an interface gets configured.
type Protocol string

const (
	ProtoNone   Protocol = ""
	ProtoDHCP   Protocol = "dhcp"
	ProtoStatic Protocol = "static"
	ProtoRA     Protocol = "ra"
)

type Route struct {
	Destination string
	Gateway     string
	Metric      int
}

type IPConfig struct {
	Protocol  Protocol
	Addresses []string
	Gateway   string
	Routes    []Route
}

// NetworkInterface is the translated configuration of one interface.
type NetworkInterface struct {
	Name string
	// OriginalName is the host name of the interface when Name is its predictable alias.
	OriginalName     string
	IPv4             IPConfig
	IPv6             IPConfig
	NeedsLegacyNames bool
}

// LsblkOutput is the json output of lsblk -J.
type LsblkOutput struct {
	Blockdevices []LsblkDevice `json:"blockdevices,omitempty"`
}

type LsblkDevice struct {
	Name       string        `json:"name,omitempty"`
	KName      string        `json:"kname,omitempty"`
	Path       string        `json:"path,omitempty"`
	MajMin     string        `json:"maj:min,omitempty"`
	Type       string        `json:"type,omitempty"`
	FSType     string        `json:"fstype,omitempty"`
	UUID       string        `json:"uuid,omitempty"`
	PartUUID   string        `json:"partuuid,omitempty"`
	Label      string        `json:"label,omitempty"`
	MountPoint string        `json:"mountpoint,omitempty"`
	Children   []LsblkDevice `json:"children,omitempty"`
}
