package op

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
)

// MountWithTimeout runs m until it succeeds or timeout expires. Device nodes can show up late after
// udev is poked, so a failed mount is retried every second. An already mounted target counts as success.
func MountWithTimeout(ctx context.Context, m MountOperation, timeout time.Duration) error {
	l := internalUtils.Log.With().Str("what", m.MountOption.Source).Str("where", m.Target).Str("type", m.MountOption.Type).Logger()
	cc := time.After(timeout)
	for {
		select {
		default:
			err := m.Run()
			if err == nil || errors.Is(err, constants.ErrAlreadyMounted) {
				l.Info().Msg("mount done")
				return nil
			}
			l.Warn().Err(err).Send()
			time.Sleep(1 * time.Second)
		case <-ctx.Done():
			l.Err(ctx.Err()).Msg("mount canceled")
			return ctx.Err()
		case <-cc:
			e := fmt.Errorf("mounting %s on %s: timeout exhausted", m.MountOption.Source, m.Target)
			l.Err(e).Msg("Mount timeout")
			return e
		}
	}
}
