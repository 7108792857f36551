package constants

import "errors"

var (
	ErrNotRoot          = errors.New("must be run as root")
	ErrUnsupportedArch  = errors.New("unsupported architecture")
	ErrStagingExists    = errors.New("staging directory already exists")
	ErrMissingTool      = errors.New("required tool not found")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrSignature        = errors.New("signature verification failed")
	ErrNoBootloader     = errors.New("no bootloader could be installed")
	ErrAlreadyMounted   = errors.New("already mounted")
	ErrAborted          = errors.New("aborted by operator")
)

const (
	OpPreflight         = "preflight"
	OpInstallHostTools  = "install-host-tools"
	OpFetchStage3       = "fetch-stage3"
	OpVerifyStage3      = "verify-stage3"
	OpCreateStagedRoot  = "create-staged-root"
	OpUnpackStage3      = "unpack-stage3"
	OpDiscoverTopology  = "discover-topology"
	OpTranslateCmdline  = "translate-cmdline"
	OpTranslateNetwork  = "translate-network"
	OpMountStagedRoot   = "mount-staged-root"
	OpWriteFstab        = "write-fstab"
	OpConfigureTarget   = "configure-target"
	OpInstallPackages   = "install-packages"
	OpEnableServices    = "enable-services"
	OpInstallBootloader = "install-bootloader"
	OpUnmountStagedRoot = "unmount-staged-root"
	OpConfirmSwap       = "confirm-swap"
	OpSwapRoot          = "swap-root"
	OpRegenBootloader   = "regenerate-bootloader"
	OpRemoveStagedRoot  = "remove-staged-root"
	OpSummary           = "summary"
)

const (
	DefaultConfigFile   = "/etc/gentoo-inplace.yaml"
	DefaultStagingDir   = "/gentoo-inplace"
	DefaultDownloadDir  = "/root/.cache/gentoo-inplace"
	DefaultMirror       = "https://distfiles.gentoo.org"
	DefaultVariant      = "openrc"
	DefaultBootloaderID = "gentoo"
	DefaultLogFile      = "/root/gentoo-inplace.log"
	DefaultESPMount     = "/boot/efi"

	// GentooReleaseKey is the identity signing the autobuilds.
	GentooReleaseKey = "releng@gentoo.org"
	// ConfigFragmentName is used for every portage/dracut/sysctl fragment we drop.
	ConfigFragmentName = "gentoo-inplace"
)

// DefaultPreserve are the top level entries that survive the root swap.
func DefaultPreserve() []string {
	return []string{"boot", "dev", "home", "proc", "root", "run", "sys", "selinux", "tmp", "lost+found"}
}

// DefaultCopyDirs are copied from the staged root over the host root after deletion.
func DefaultCopyDirs() []string {
	return []string{"bin", "sbin", "etc", "lib", "lib64", "usr", "var", "opt"}
}

// SystemMountPoints are the mount points whose backing storage the new system needs to boot.
func SystemMountPoints() []string {
	return []string{"/", "/usr", "/lib", "/var", "swap"}
}

// BasePackages are always emerged into the staged root.
func BasePackages() []string {
	return []string{"sys-kernel/gentoo-kernel-bin", "sys-kernel/linux-firmware", "sys-boot/grub", "net-misc/openssh"}
}
