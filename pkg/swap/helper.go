package swap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/twpayne/go-vfs/v4"
)

var (
	loaderDirs   = []string{"lib64", "lib", "usr/lib64", "usr/lib"}
	loaderGlobs  = []string{"ld-linux*.so*", "ld-*.so*"}
	toolDirs     = []string{"usr/bin", "bin"}
	maxLinkDepth = 16
)

// Helper runs coreutils from the staged root through the staged root's own dynamic loader and libraries.
// Once deletion starts the host loader and libraries may be gone at any moment, every program used from
// then on must only depend on files below Staged.
type Helper struct {
	Staged  string
	Loader  string
	LibPath string
	tools   map[string]string
}

// PinHelper resolves the loader, library path and tools of the staged root. It has to be called
// before anything on the host is deleted.
func PinHelper(fs vfs.FS, staged string) (Helper, error) {
	h := Helper{Staged: staged, tools: map[string]string{}}

	for _, dir := range loaderDirs {
		entries, err := fs.ReadDir(filepath.Join(staged, dir))
		if err != nil {
			continue
		}
		for _, pattern := range loaderGlobs {
			for _, e := range entries {
				if ok, _ := filepath.Match(pattern, e.Name()); !ok {
					continue
				}
				resolved, err := resolveIn(fs, staged, filepath.Join(dir, e.Name()))
				if err != nil {
					continue
				}
				h.Loader = resolved
				break
			}
			if h.Loader != "" {
				break
			}
		}
		if h.Loader != "" {
			break
		}
	}
	if h.Loader == "" {
		return h, fmt.Errorf("no dynamic loader found in %s", staged)
	}

	var libs []string
	for _, dir := range []string{"lib64", "usr/lib64", "lib", "usr/lib"} {
		p, err := resolveIn(fs, staged, dir)
		if err != nil {
			continue
		}
		if fi, err := fs.Stat(p); err == nil && fi.IsDir() {
			libs = append(libs, p)
		}
	}
	h.LibPath = strings.Join(internalUtils.UniqueSlice(libs), ":")

	for _, tool := range []string{"rm", "cp"} {
		for _, dir := range toolDirs {
			p, err := resolveIn(fs, staged, filepath.Join(dir, tool))
			if err != nil {
				continue
			}
			if fi, err := fs.Stat(p); err == nil && fi.Mode().IsRegular() {
				h.tools[tool] = p
				break
			}
		}
		if h.tools[tool] == "" {
			return h, fmt.Errorf("%s not found in %s", tool, staged)
		}
	}

	internalUtils.Log.Info().Str("loader", h.Loader).Str("libpath", h.LibPath).Msg("Pinned staged loader")
	return h, nil
}

// Command builds an invocation of a staged tool that never touches the host loader.
func (h Helper) Command(tool string, args ...string) internalUtils.Command {
	bin := h.tools[tool]
	if bin == "" {
		bin = filepath.Join(h.Staged, "bin", tool)
	}
	return internalUtils.NewCommand(h.Loader, append([]string{"--library-path", h.LibPath, bin}, args...)...)
}

// resolveIn follows symlinks of rel keeping absolute targets inside root, so the result
// never points at a host file.
func resolveIn(fs vfs.FS, root, rel string) (string, error) {
	p := filepath.Join(root, rel)
	for i := 0; i < maxLinkDepth; i++ {
		fi, err := fs.Lstat(p)
		if err != nil {
			return "", err
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			return p, nil
		}
		target, err := fs.Readlink(p)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(target) {
			p = filepath.Join(root, target)
		} else {
			p = filepath.Join(filepath.Dir(p), target)
		}
		if p != root && !strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/") {
			return "", fmt.Errorf("%s escapes %s", rel, root)
		}
	}
	return "", fmt.Errorf("too many levels of symlinks resolving %s", rel)
}
