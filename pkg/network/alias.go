package network

import (
	"context"
	"strings"

	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
)

// UdevAliases asks udev for the predictable names of an interface.
type UdevAliases struct {
	Runner internalUtils.Runner
}

func (u UdevAliases) Alias(ctx context.Context, ifname string) (string, bool) {
	out, err := u.Runner.Run(ctx, internalUtils.NewCommand("udevadm", "info", "-q", "property", "-p", "/sys/class/net/"+ifname))
	if err != nil {
		internalUtils.Log.Debug().Err(err).Str("iface", ifname).Msg("Querying udev")
		return "", false
	}
	return PredictableName(out)
}

// PredictableName picks the alias udev would use from udevadm property output.
func PredictableName(properties string) (string, bool) {
	props := map[string]string{}
	for _, line := range strings.Split(properties, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok {
			props[k] = v
		}
	}
	for _, k := range []string{"ID_NET_NAME_ONBOARD", "ID_NET_NAME_SLOT", "ID_NET_NAME_PATH"} {
		if v := props[k]; v != "" {
			return v, true
		}
	}
	return "", false
}
