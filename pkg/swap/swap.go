package swap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"
	"github.com/twpayne/go-vfs/v4"
)

// Executor replaces the content of Root with the content of the staged root.
//
// All deletions and copies go through Helper, which runs the staged root's rm and cp with the staged
// loader and an explicit library path. The host loader and libraries are among the deleted files.
// Listing directories happens in process. Deletion completes before copying starts, and the staged
// root is never touched, so a failed copy can be retried from it.
type Executor struct {
	FS     vfs.FS
	Runner internalUtils.Runner
	Helper Helper
	Root   string

	preserve map[string]bool
	patterns []pattern
	copyDirs []string
}

type pattern struct {
	raw     string
	g       glob.Glob
	literal string
	deep    bool
}

// Report describes what the swap did.
type Report struct {
	Deleted      []string
	Copied       []string
	DeleteErrors error
	CopyErrors   error
}

// CopyFailed reports if some directory could not be copied, in which case the staged root must be kept.
func (r Report) CopyFailed() bool {
	return r.CopyErrors != nil
}

// Options configure an Executor.
type Options struct {
	Root string
	// Preserve are absolute paths, or names relative to Root, that are never deleted.
	Preserve []string
	// Patterns are absolute glob patterns of paths that are never deleted.
	Patterns []string
	CopyDirs []string
}

func NewExecutor(fs vfs.FS, r internalUtils.Runner, h Helper, opts Options) (*Executor, error) {
	root := opts.Root
	if root == "" {
		root = "/"
	}
	e := &Executor{FS: fs, Runner: r, Helper: h, Root: root, preserve: map[string]bool{}, copyDirs: opts.CopyDirs}
	if len(e.copyDirs) == 0 {
		e.copyDirs = constants.DefaultCopyDirs()
	}

	for _, p := range append(append([]string{}, opts.Preserve...), h.Staged) {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		p = filepath.Clean(p)
		if p == root {
			continue
		}
		e.preserve[p] = true
	}
	for _, raw := range opts.Patterns {
		if !filepath.IsAbs(raw) {
			raw = filepath.Join(root, raw)
		}
		g, err := glob.Compile(raw, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid preserve pattern %q: %w", raw, err)
		}
		e.patterns = append(e.patterns, pattern{raw: raw, g: g, literal: literalDir(raw), deep: strings.Contains(raw, "**")})
	}
	return e, nil
}

// literalDir returns the directory part of a pattern before its first meta character.
func literalDir(p string) string {
	i := strings.IndexAny(p, "*?[{\\")
	if i < 0 {
		return filepath.Dir(p)
	}
	return filepath.Dir(p[:i+1])
}

func depth(p string) int {
	return len(strings.Split(strings.Trim(p, "/"), "/"))
}

func (e *Executor) isPreserved(p string) bool {
	if e.preserve[p] {
		return true
	}
	for _, pt := range e.patterns {
		if pt.g.Match(p) {
			return true
		}
	}
	return false
}

// mustDescend reports if p contains something preserved and can not be deleted whole.
func (e *Executor) mustDescend(p string) bool {
	prefix := strings.TrimSuffix(p, "/") + "/"
	for k := range e.preserve {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	for _, pt := range e.patterns {
		if pt.literal == p || strings.HasPrefix(pt.literal, prefix) {
			return true
		}
		if strings.HasPrefix(p, strings.TrimSuffix(pt.literal, "/")+"/") && (pt.deep || depth(p) < depth(pt.raw)) {
			return true
		}
	}
	return false
}

// Plan lists the paths that will be deleted, shallowest possible.
func (e *Executor) Plan() ([]string, error) {
	return e.plan(e.Root)
}

func (e *Executor) plan(dir string) ([]string, error) {
	entries, err := e.FS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var res []string
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		if e.isPreserved(p) {
			internalUtils.Log.Debug().Str("path", p).Msg("Preserving")
			continue
		}
		if e.mustDescend(p) {
			fi, err := e.FS.Lstat(p)
			if err == nil && fi.IsDir() && fi.Mode()&os.ModeSymlink == 0 {
				sub, err := e.plan(p)
				if err != nil {
					return nil, err
				}
				res = append(res, sub...)
				continue
			}
		}
		res = append(res, p)
	}
	sort.Strings(res)
	return res, nil
}

// Run deletes every non preserved path of the root and then copies the staged directories over it.
// Individual failures are tolerated and reported. There is no way back once deletion starts.
func (e *Executor) Run(ctx context.Context) (Report, error) {
	var report Report
	toDelete, err := e.Plan()
	if err != nil {
		return report, fmt.Errorf("planning deletion: %w", err)
	}

	var missing []string
	for _, d := range e.copyDirs {
		if _, err := e.FS.Lstat(filepath.Join(e.Helper.Staged, d)); err != nil {
			missing = append(missing, d)
		}
	}
	if len(missing) == len(e.copyDirs) {
		return report, fmt.Errorf("staged root %s has none of %v", e.Helper.Staged, e.copyDirs)
	}

	internalUtils.Log.Error().Int("paths", len(toDelete)).Str("root", e.Root).Msg("Deleting host files. Interrupting from now on leaves the system unbootable")

	var deleteErrs *multierror.Error
	for _, p := range toDelete {
		if ctx.Err() != nil {
			deleteErrs = multierror.Append(deleteErrs, ctx.Err())
			break
		}
		_, err := e.Runner.Run(ctx, e.Helper.Command("rm", "-rf", "--one-file-system", p))
		if err != nil {
			internalUtils.Log.Warn().Err(err).Str("path", p).Msg("Deleting")
			deleteErrs = multierror.Append(deleteErrs, err)
			continue
		}
		report.Deleted = append(report.Deleted, p)
	}
	report.DeleteErrors = deleteErrs.ErrorOrNil()

	var copyErrs *multierror.Error
	for _, d := range e.copyDirs {
		src := filepath.Join(e.Helper.Staged, d)
		if _, err := e.FS.Lstat(src); err != nil {
			internalUtils.Log.Debug().Str("dir", d).Msg("Not present in the staged root, skipping")
			continue
		}
		_, err := e.Runner.Run(ctx, e.Helper.Command("cp", "-a", src, e.Root))
		if err != nil {
			internalUtils.Log.Err(err).Str("dir", d).Msg("Copying")
			copyErrs = multierror.Append(copyErrs, err)
			continue
		}
		report.Copied = append(report.Copied, d)
		internalUtils.Log.Info().Str("dir", d).Msg("Copied")
	}
	report.CopyErrors = copyErrs.ErrorOrNil()
	return report, nil
}
