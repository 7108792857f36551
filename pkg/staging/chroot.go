package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/op"
	"github.com/hashicorp/go-multierror"
)

const (
	chrootPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	// device nodes can show up late after udev is poked
	deviceMountTimeout = 10 * time.Second
)

// Chroot runs commands inside the staged root with the host pseudo filesystems bound in.
type Chroot struct {
	path         string
	mounts       []op.MountOperation
	activeMounts []string
}

// NewChroot prepares the bind mounts of /proc, /sys, /dev, /run and, when the host has it, /boot.
func NewChroot(path string) *Chroot {
	c := &Chroot{path: path}
	c.mounts = []op.MountOperation{
		op.MountBind("/proc", path, false),
		op.MountBind("/sys", path, true),
		op.MountBind("/dev", path, true),
		op.MountBind("/run", path, false),
	}
	if fi, err := os.Stat("/boot"); err == nil && fi.IsDir() {
		c.mounts = append(c.mounts, op.MountBind("/boot", path, false))
	}
	return c
}

// AddDevice mounts a block device at target, relative to the chroot, on top of the prepared binds.
// Close unmounts it together with them.
func (c *Chroot) AddDevice(ctx context.Context, device, fsType, target string) error {
	if len(c.activeMounts) == 0 {
		return errors.New("chroot environment is not prepared")
	}
	m := op.MountDevice(device, fsType, filepath.Join(c.path, target))
	if err := op.MountWithTimeout(ctx, m, deviceMountTimeout); err != nil {
		return err
	}
	c.activeMounts = append(c.activeMounts, m.Target)
	return nil
}

// Active returns the mount points currently held, in mount order.
func (c *Chroot) Active() []string {
	return append([]string{}, c.activeMounts...)
}

// Prepare mounts everything, undoing what it did on failure.
func (c *Chroot) Prepare() (err error) {
	if len(c.activeMounts) > 0 {
		return errors.New("there are already active mountpoints for this instance")
	}

	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	for _, m := range c.mounts {
		err = m.Run()
		if err != nil && !errors.Is(err, constants.ErrAlreadyMounted) {
			internalUtils.Log.Err(err).Str("where", m.Target).Str("what", m.MountOption.Source).Msg("Mounting chroot bind")
			return err
		}
		c.activeMounts = append(c.activeMounts, m.Target)
	}
	return nil
}

// Close unmounts the active mounts in reverse order.
func (c *Chroot) Close() error {
	var failures []string
	var errs *multierror.Error
	for len(c.activeMounts) > 0 {
		curr := c.activeMounts[len(c.activeMounts)-1]
		internalUtils.Log.Debug().Str("what", curr).Msg("Unmounting from chroot")
		c.activeMounts = c.activeMounts[:len(c.activeMounts)-1]
		if err := op.Unmount(curr); err != nil {
			internalUtils.Log.Err(err).Str("what", curr).Msg("Error unmounting")
			failures = append([]string{curr}, failures...)
			errs = multierror.Append(errs, err)
		}
	}
	if len(failures) > 0 {
		c.activeMounts = failures
		return fmt.Errorf("failed closing chroot environment. Unmount failures: %v: %w", failures, errs.ErrorOrNil())
	}
	return nil
}

// Run executes cmd inside the chroot in new UTS and IPC namespaces and waits for it.
// The mounts are set up and torn down around the call unless Prepare was called before.
func (c *Chroot) Run(ctx context.Context, cmd internalUtils.Command) (out string, err error) {
	if len(c.activeMounts) == 0 {
		if err = c.Prepare(); err != nil {
			return "", err
		}
		defer func() {
			if tmpErr := c.Close(); err == nil {
				err = tmpErr
			}
		}()
	}

	bin, err := c.LookPath(cmd.Name)
	if err != nil {
		return "", err
	}
	ec := exec.CommandContext(ctx, bin, cmd.Args...)
	ec.SysProcAttr = &syscall.SysProcAttr{
		Chroot:     c.path,
		Cloneflags: syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC,
	}
	if cmd.Dir == "" {
		cmd.Dir = "/"
	}
	cmd = cmd.WithEnv("PATH="+chrootPath, "HOME=/root")
	out, err = internalUtils.RunCmd(ec, cmd)
	if err != nil {
		internalUtils.Log.Err(err).Str("cmd", cmd.String()).Msg("Cant run command on chroot")
	}
	return out, err
}

// LookPath resolves name against the PATH of the chroot. The result is a path inside it.
func (c *Chroot) LookPath(name string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, dir := range filepath.SplitList(chrootPath) {
		p := filepath.Join(dir, name)
		fi, err := os.Stat(filepath.Join(c.path, p))
		if err == nil && fi.Mode().IsRegular() && fi.Mode()&0o111 != 0 {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", constants.ErrMissingTool, name, c.path)
}
