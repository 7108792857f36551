package op

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/containerd/containerd/mount"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"golang.org/x/sys/unix"
)

// MountBind bind mounts the host path into root. The binds are slaves, mounts and unmounts inside
// root never propagate back to the host.
func MountBind(hostPath, root string, recursive bool) MountOperation {
	rel := strings.TrimLeft(hostPath, "/") // normalize, remove / upfront as we are going to re-use it in subdirs
	target := filepath.Join(root, rel)

	options := []string{"bind", "rslave"}
	if recursive {
		options = []string{"rbind", "rslave"}
	}
	tmpMount := mount.Mount{
		Type:    "none",
		Source:  hostPath,
		Options: options,
	}
	internalUtils.Log.Debug().Str("where", target).Str("what", hostPath).Msg("Bind mount")
	return MountOperation{
		MountOption: tmpMount,
		Target:      target,
		PrepareCallback: func() error {
			return internalUtils.CreateIfNotExists(target)
		},
	}
}

// MountDevice mounts a block device on target.
func MountDevice(device, fsType, target string, options ...string) MountOperation {
	tmpMount := mount.Mount{Type: fsType, Source: device, Options: options}
	return MountOperation{
		MountOption: tmpMount,
		Target:      target,
		PrepareCallback: func() error {
			return internalUtils.CreateIfNotExists(target)
		},
	}
}

// Unmount detaches target and everything mounted below it, retrying while it is busy.
func Unmount(target string) error {
	return retry.Do(
		func() error {
			return mount.UnmountAll(target, unix.MNT_DETACH)
		},
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			internalUtils.Log.Debug().Err(err).Uint("attempt", n).Str("what", target).Msg("Retrying unmount")
		}),
	)
}
