package configure

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
	"github.com/joho/godotenv"
)

const header = "# Generated by gentoo-inplace\n"

var (
	PackageUseFile     = "/etc/portage/package.use/" + constants.ConfigFragmentName
	PackageLicenseFile = "/etc/portage/package.license/" + constants.ConfigFragmentName
	MakeConfFile       = "/etc/portage/make.conf"
)

// PackageUse renders the USE flags the migrated system needs to boot.
func PackageUse(topo schema.Topology, is InitSystem) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("sys-kernel/installkernel dracut grub\n")
	if _, ok := is.(Systemd); ok && topo.LUKSEnabled {
		b.WriteString("sys-apps/systemd cryptsetup\n")
	}
	if topo.LVMEnabled {
		b.WriteString("sys-fs/lvm2 lvm\n")
	}
	return b.String()
}

func PackageLicense() string {
	return header + "sys-kernel/linux-firmware linux-fw-redistributable\n"
}

// GrubPlatforms returns the GRUB_PLATFORMS value for the architecture.
func GrubPlatforms(arch string, efi bool) string {
	if arch == "arm64" {
		return "efi-64"
	}
	if efi {
		return "pc efi-64"
	}
	return "pc"
}

// Packages is the full list emerged into the staged root.
func Packages(topo schema.Topology, is InitSystem, ifaces []schema.NetworkInterface, efi bool, extra []string) []string {
	pkgs := constants.BasePackages()
	if topo.LUKSEnabled {
		pkgs = append(pkgs, "sys-fs/cryptsetup")
	}
	if topo.LVMEnabled {
		pkgs = append(pkgs, "sys-fs/lvm2")
	}
	if topo.BtrfsEnabled {
		pkgs = append(pkgs, "sys-fs/btrfs-progs")
	}
	if efi {
		pkgs = append(pkgs, "sys-boot/efibootmgr", "sys-fs/dosfstools")
	}
	pkgs = append(pkgs, is.Packages(ifaces)...)
	return internalUtils.UniqueSlice(append(pkgs, extra...))
}

// shellVar matches an assignment of a variable in a shell style file.
func shellVar(key string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^\s*(export\s+)?` + regexp.QuoteMeta(key) + `=.*$`)
}

// EnsureVar appends KEY="value" to a shell style file unless the variable is already assigned.
func EnsureVar(content, key, value string) (string, bool) {
	if env, err := godotenv.Unmarshal(content); err == nil {
		if _, ok := env[key]; ok {
			return content, false
		}
	} else if shellVar(key).MatchString(content) {
		return content, false
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + fmt.Sprintf("%s=%q\n", key, value), true
}

// SetVar sets KEY="value" in a shell style file, replacing the first assignment and dropping the others,
// or appending it. All other lines are kept.
func SetVar(content, key, value string) string {
	line := fmt.Sprintf("%s=%q", key, value)
	re := shellVar(key)
	var out []string
	replaced := false
	for _, l := range strings.SplitAfter(content, "\n") {
		if l == "" {
			continue
		}
		if re.MatchString(strings.TrimSuffix(l, "\n")) {
			if !replaced {
				out = append(out, line+"\n")
				replaced = true
			}
			continue
		}
		out = append(out, l)
	}
	res := strings.Join(out, "")
	if replaced {
		return res
	}
	if res != "" && !strings.HasSuffix(res, "\n") {
		res += "\n"
	}
	return res + line + "\n"
}
