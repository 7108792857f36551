package cmdline

import (
	"bytes"
	"strings"

	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/joho/godotenv"
	"github.com/twpayne/go-vfs/v4"
)

const grubDefaults = "/etc/default/grub"

// HostSources returns the kernel command line strings the host boots with.
// The bootloader defaults are preferred as they are what the host admin configured; the running command line
// is the fallback, minus what the bootloader itself injects.
func HostSources(fs vfs.FS) []string {
	if data, err := fs.ReadFile(grubDefaults); err == nil {
		env, err := godotenv.Parse(bytes.NewReader(data))
		if err != nil {
			internalUtils.Log.Warn().Err(err).Str("file", grubDefaults).Msg("Parsing grub defaults, using the running command line")
		} else {
			var res []string
			for _, k := range []string{"GRUB_CMDLINE_LINUX", "GRUB_CMDLINE_LINUX_DEFAULT"} {
				if v, ok := env[k]; ok && strings.TrimSpace(v) != "" {
					res = append(res, v)
				}
			}
			if len(res) > 0 {
				internalUtils.Log.Debug().Strs("sources", res).Msg("Using grub defaults")
				return res
			}
		}
	}

	var fields []string
	for _, f := range internalUtils.ReadCMDLine() {
		if strings.HasPrefix(f, "BOOT_IMAGE=") || strings.HasPrefix(f, "initrd=") {
			continue
		}
		fields = append(fields, f)
	}
	return []string{strings.Join(fields, " ")}
}
