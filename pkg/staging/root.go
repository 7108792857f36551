package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/twpayne/go-vfs/v4"
)

// Root is the staged Gentoo root. It is created empty, filled from the stage3 tarball, configured, and
// removed only once its content has been copied over the host root.
type Root struct {
	Path   string
	FS     vfs.FS
	Runner internalUtils.Runner
}

func New(fs vfs.FS, r internalUtils.Runner, path string) *Root {
	return &Root{Path: filepath.Clean(path), FS: fs, Runner: r}
}

// Join returns the path of p inside the staged root.
func (r *Root) Join(p ...string) string {
	return filepath.Join(append([]string{r.Path}, p...)...)
}

// Exists reports if the staged root directory is present.
func (r *Root) Exists() bool {
	_, err := r.FS.Lstat(r.Path)
	return err == nil
}

// Create makes the empty staged root. An existing path is never reused.
func (r *Root) Create() error {
	if r.Exists() {
		return fmt.Errorf("%w: %s", constants.ErrStagingExists, r.Path)
	}
	if err := vfs.MkdirAll(r.FS, r.Path, 0o755); err != nil {
		return err
	}
	internalUtils.Log.Info().Str("path", r.Path).Msg("Created staged root")
	return nil
}

// Unpack extracts the stage3 tarball keeping permissions, xattrs and numeric ownership.
func (r *Root) Unpack(ctx context.Context, tarball string) error {
	dir, err := r.FS.RawPath(r.Path)
	if err != nil {
		return err
	}
	internalUtils.Log.Info().Str("tarball", tarball).Str("path", dir).Msg("Unpacking stage3")
	_, err = r.Runner.Run(ctx, internalUtils.NewCommand("tar", "xpf", tarball, "--xattrs-include=*.*", "--numeric-owner", "-C", dir))
	return err
}

// HasSystemd reports if the unpacked tree boots with systemd. Everything else is treated as OpenRC.
func (r *Root) HasSystemd() bool {
	for _, p := range []string{"usr/lib/systemd/systemd", "lib/systemd/systemd"} {
		if _, err := r.FS.Stat(r.Join(p)); err == nil {
			return true
		}
	}
	return false
}

// Teardown removes the staged root. It refuses while something is mounted below it, removing
// the tree then would recurse into the host /proc, /sys or /dev.
func (r *Root) Teardown() error {
	raw, err := r.FS.RawPath(r.Path)
	if err != nil {
		return err
	}
	mounts, err := internalUtils.MountsUnder(raw)
	if err != nil {
		return err
	}
	if len(mounts) > 0 {
		return fmt.Errorf("%w: %v", constants.ErrAlreadyMounted, mounts)
	}
	if err := r.FS.RemoveAll(r.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	internalUtils.Log.Info().Str("path", r.Path).Msg("Removed staged root")
	return nil
}
