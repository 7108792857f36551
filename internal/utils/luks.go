package utils

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
)

// LUKSUUID returns the header uuid of a LUKS formatted device.
func LUKSUUID(ctx context.Context, r Runner, device string) (string, error) {
	out, err := r.Run(ctx, NewCommand("cryptsetup", "luksUUID", device))
	if err != nil {
		Log.Err(err).Str("dev", device).Msg("Reading luks uuid")
		return "", err
	}
	volumeUUID := strings.TrimSpace(out)
	parsed, err := uuid.FromString(volumeUUID)
	if err != nil {
		return "", fmt.Errorf("invalid luks uuid %q on %s: %w", volumeUUID, device, err)
	}
	Log.Debug().Str("dev", device).Str("uuid", parsed.String()).Msg("Found luks uuid")
	return parsed.String(), nil
}

// CanonicalUUID validates s as a uuid in the 8-4-4-4-12 form and returns it lowercased.
func CanonicalUUID(s string) (string, bool) {
	if len(s) != 36 {
		return "", false
	}
	parsed, err := uuid.FromString(s)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}
