package bootloader

import (
	"regexp"
	"strings"

	"github.com/jaypipes/ghw"
)

// Partition is the part of a block partition the installer looks at.
type Partition struct {
	Name       string
	Disk       string
	FSType     string
	Label      string
	FSLabel    string
	MountPoint string
	// UUID is the GPT partition uuid.
	UUID string
}

func (p Partition) Device() string {
	return "/dev/" + p.Name
}

// GhwPartitions lists the partitions of every disk.
func GhwPartitions() ([]Partition, error) {
	blk, err := ghw.Block(ghw.WithDisableWarnings())
	if err != nil {
		return nil, err
	}
	var res []Partition
	for _, d := range blk.Disks {
		for _, p := range d.Partitions {
			res = append(res, Partition{
				Name:       p.Name,
				Disk:       d.Name,
				FSType:     p.Type,
				Label:      p.Label,
				FSLabel:    p.FilesystemLabel,
				MountPoint: p.MountPoint,
				UUID:       p.UUID,
			})
		}
	}
	return res, nil
}

var (
	bootCurrentRe = regexp.MustCompile(`(?m)^BootCurrent:\s*([0-9A-Fa-f]{4})`)
	hdGPTRe       = regexp.MustCompile(`HD\(\d+,GPT,([0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12})`)
)

// BootCurrentPartUUID extracts the partition uuid of the entry the firmware booted from efibootmgr -v output.
func BootCurrentPartUUID(out string) (string, bool) {
	m := bootCurrentRe.FindStringSubmatch(out)
	if m == nil {
		return "", false
	}
	prefix := "Boot" + strings.ToUpper(m[1])
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(strings.ToUpper(line), strings.ToUpper(prefix)) {
			continue
		}
		if hd := hdGPTRe.FindStringSubmatch(line); hd != nil {
			return strings.ToLower(hd[1]), true
		}
		return "", false
	}
	return "", false
}

// ESP match tiers, best first.
const (
	TierBootEntry = "boot-entry"
	TierEFI       = "efi"
	TierBoot      = "boot"
)

func isFAT(fsType string) bool {
	switch strings.ToLower(fsType) {
	case "vfat", "fat", "fat12", "fat16", "fat32", "msdos":
		return true
	}
	return false
}

// SelectESP finds the EFI system partition: the one of the current boot entry, else a FAT partition whose
// mount point or label mentions efi, else one mentioning boot. Within a tier a single mounted partition
// wins over unmounted ones. Remaining ties return nothing, the caller reports them instead of picking one.
func SelectESP(parts []Partition, partUUID string) (Partition, string, bool) {
	if partUUID != "" {
		for _, p := range parts {
			if strings.EqualFold(p.UUID, partUUID) {
				return p, TierBootEntry, true
			}
		}
	}
	for _, tier := range []string{TierEFI, TierBoot} {
		var matches []Partition
		for _, p := range parts {
			if !isFAT(p.FSType) {
				continue
			}
			for _, s := range []string{p.MountPoint, p.Label, p.FSLabel} {
				if strings.Contains(strings.ToLower(s), tier) {
					matches = append(matches, p)
					break
				}
			}
		}
		if len(matches) > 1 {
			var mounted []Partition
			for _, p := range matches {
				if p.MountPoint != "" {
					mounted = append(mounted, p)
				}
			}
			if len(mounted) == 1 {
				matches = mounted
			}
		}
		if len(matches) == 1 {
			return matches[0], tier, true
		}
		if len(matches) > 1 {
			return Partition{}, tier, false
		}
	}
	return Partition{}, "", false
}
