package op

import (
	"fmt"

	"github.com/containerd/containerd/mount"
	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// MountOperation is a single mount on Target. PrepareCallback runs first, usually to create Target.
type MountOperation struct {
	MountOption     mount.Mount
	Target          string
	PrepareCallback func() error
}

// Run mounts MountOption on Target. A target already holding the same source returns
// constants.ErrAlreadyMounted, one holding anything else is an error: the staged root must never end up
// with a host filesystem mounted where a bind was expected.
func (m MountOperation) Run() error {
	defer unix.Sync()

	l := internalUtils.Log.With().Str("what", m.MountOption.Source).Str("where", m.Target).Str("type", m.MountOption.Type).Logger()

	if m.PrepareCallback != nil {
		if err := m.PrepareCallback(); err != nil {
			l.Warn().Err(err).Msg("Preparing mount target")
			return err
		}
	}

	current, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(m.Target))
	if err != nil {
		l.Warn().Err(err).Msg("Reading mount table")
		return err
	}
	if len(current) > 0 {
		held := current[len(current)-1]
		if m.sameSource(held) {
			l.Debug().Msg("Already mounted")
			return constants.ErrAlreadyMounted
		}
		return fmt.Errorf("%s already holds %s (%s), wanted %s", m.Target, held.Source, held.FSType, m.MountOption.Source)
	}

	l.Debug().Strs("options", m.MountOption.Options).Msg("Mounting")
	return mount.All([]mount.Mount{m.MountOption}, m.Target)
}

// sameSource compares against the mount table entry. Binds show the backing device as source, not the
// bound path, so they only get checked on the mount point itself.
func (m MountOperation) sameSource(held *mountinfo.Info) bool {
	if internalUtils.IsBind(m.MountOption.Options) {
		return true
	}
	return internalUtils.SameDevice(held.Source, m.MountOption.Source)
}
