package swap_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/twpayne/go-vfs/v4"
)

// vfsRunner executes the staged rm and cp invocations against a test filesystem.
type vfsRunner struct {
	fs    vfs.FS
	calls []internalUtils.Command
	fail  map[string]bool
}

func (v *vfsRunner) Run(_ context.Context, c internalUtils.Command) (string, error) {
	v.calls = append(v.calls, c)
	if len(c.Args) < 4 || c.Args[0] != "--library-path" {
		return "", fmt.Errorf("not a pinned invocation: %s", c.String())
	}
	tool := filepath.Base(c.Args[2])
	rest := c.Args[3:]
	switch tool {
	case "rm":
		p := rest[len(rest)-1]
		if v.fail[p] {
			return "", fmt.Errorf("rm: cannot remove %s: Device or resource busy", p)
		}
		return "", v.fs.RemoveAll(p)
	case "cp":
		src, dst := rest[1], rest[2]
		return "", copyTree(v.fs, src, filepath.Join(dst, filepath.Base(src)))
	}
	return "", fmt.Errorf("unexpected tool %s", tool)
}

func copyTree(fs vfs.FS, src, dst string) error {
	return vfs.Walk(fs, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, p)
		target := filepath.Join(dst, rel)
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := fs.Readlink(p)
			if err != nil {
				return err
			}
			_ = fs.RemoveAll(target)
			return fs.Symlink(link, target)
		case info.IsDir():
			return vfs.MkdirAll(fs, target, info.Mode().Perm())
		default:
			data, err := fs.ReadFile(p)
			if err != nil {
				return err
			}
			return fs.WriteFile(target, data, info.Mode().Perm())
		}
	})
}
