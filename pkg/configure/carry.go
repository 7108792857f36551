package configure

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/hashicorp/go-multierror"
	"github.com/twpayne/go-vfs/v4"
)

// CarriedFiles are copied verbatim from the host into the staged root when present.
func CarriedFiles() []string {
	return []string{"/etc/hostname", "/etc/hosts", "/etc/resolv.conf", "/etc/crypttab"}
}

// CarryOver copies host identity and access files into the staged root: the files of CarriedFiles,
// the ssh host keys, the timezone and the root password.
func CarryOver(fs vfs.FS, host, root string) error {
	var errs *multierror.Error
	for _, f := range CarriedFiles() {
		errs = multierror.Append(errs, copyFile(fs, filepath.Join(host, f), filepath.Join(root, f)))
	}

	sshDir := filepath.Join(host, "etc/ssh")
	if entries, err := fs.ReadDir(sshDir); err == nil {
		for _, e := range entries {
			if ok, _ := filepath.Match("ssh_host_*", e.Name()); !ok {
				continue
			}
			errs = multierror.Append(errs, copyFile(fs, filepath.Join(sshDir, e.Name()), filepath.Join(root, "etc/ssh", e.Name())))
		}
	}

	errs = multierror.Append(errs, carryTimezone(fs, host, root))
	errs = multierror.Append(errs, carryRootPassword(fs, host, root))
	return errs.ErrorOrNil()
}

// copyFile copies src to dst keeping its permission bits. A missing src is not an error.
func copyFile(fs vfs.FS, src, dst string) error {
	data, err := fs.ReadFile(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	fi, err := fs.Stat(src)
	if err != nil {
		return err
	}
	internalUtils.Log.Debug().Str("from", src).Str("to", dst).Msg("Carrying over")
	return writeFile(fs, dst, string(data), fi.Mode().Perm())
}

func writeFile(fs vfs.FS, path, content string, perm os.FileMode) error {
	if err := vfs.MkdirAll(fs, filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// a symlink in the stage3 (resolv.conf) must not redirect the write
	if fi, err := fs.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if err := fs.Remove(path); err != nil {
			return err
		}
	}
	return fs.WriteFile(path, []byte(content), perm)
}

// carryTimezone points the staged /etc/localtime at the same zone as the host.
func carryTimezone(fs vfs.FS, host, root string) error {
	target, err := fs.Readlink(filepath.Join(host, "etc/localtime"))
	if err != nil {
		return nil
	}
	i := strings.Index(target, "zoneinfo/")
	if i < 0 {
		return nil
	}
	zone := target[i+len("zoneinfo/"):]
	dst := filepath.Join(root, "etc/localtime")
	_ = fs.Remove(dst)
	if err := fs.Symlink("../usr/share/zoneinfo/"+zone, dst); err != nil {
		return err
	}
	return writeFile(fs, filepath.Join(root, "etc/timezone"), zone+"\n", 0o644)
}

// carryRootPassword replaces the root entry of the staged shadow file with the host one.
func carryRootPassword(fs vfs.FS, host, root string) error {
	hostShadow, err := fs.ReadFile(filepath.Join(host, "etc/shadow"))
	if err != nil {
		return nil
	}
	var rootLine string
	for _, l := range strings.Split(string(hostShadow), "\n") {
		if strings.HasPrefix(l, "root:") {
			rootLine = l
			break
		}
	}
	if rootLine == "" {
		return nil
	}

	path := filepath.Join(root, "etc/shadow")
	staged, err := fs.ReadFile(path)
	if err != nil {
		return err
	}
	lines := strings.Split(string(staged), "\n")
	found := false
	for i, l := range lines {
		if strings.HasPrefix(l, "root:") {
			lines[i] = rootLine
			found = true
		}
	}
	if !found {
		lines = append([]string{rootLine}, lines...)
	}
	return fs.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o640)
}
