package configure

import (
	"sort"
	"strings"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
	"github.com/mudler/go-kdetect"
)

var DracutConfFile = "/etc/dracut.conf.d/" + constants.ConfigFragmentName + ".conf"

// ProbeDrivers lists the kernel modules of the host hardware.
func ProbeDrivers() []string {
	drivers, err := kdetect.ProbeKernelModules("")
	if err != nil {
		internalUtils.Log.Err(err).Msg("Detecting needed modules")
	}
	internalUtils.Log.Debug().Strs("drivers", drivers).Msg("Detected modules")
	return drivers
}

// DracutConf renders the dracut fragment with the modules the storage stack needs.
func DracutConf(topo schema.Topology, drivers []string) string {
	var modules []string
	if topo.LUKSEnabled {
		modules = append(modules, "crypt")
	}
	if topo.LVMEnabled {
		modules = append(modules, "lvm")
	}
	if topo.BtrfsEnabled {
		modules = append(modules, "btrfs")
	}

	var b strings.Builder
	b.WriteString(header)
	if len(modules) > 0 {
		b.WriteString(`add_dracutmodules+=" ` + strings.Join(modules, " ") + " \"\n")
	}
	drivers = internalUtils.UniqueSlice(internalUtils.CleanupSlice(drivers))
	sort.Strings(drivers)
	if len(drivers) > 0 {
		b.WriteString(`add_drivers+=" ` + strings.Join(drivers, " ") + " \"\n")
	}
	return b.String()
}
