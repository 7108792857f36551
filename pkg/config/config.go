package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	internalUtils "github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/joho/godotenv"
	"github.com/twpayne/go-vfs/v4"
	"gopkg.in/yaml.v3"
)

// Config is the operator configuration. Zero values are filled from the defaults.
type Config struct {
	StagingDir    string   `yaml:"staging_dir"`
	DownloadDir   string   `yaml:"download_dir"`
	Mirror        string   `yaml:"mirror"`
	Variant       string   `yaml:"variant"`
	Preserve      []string `yaml:"preserve"`
	CopyDirs      []string `yaml:"copy_dirs"`
	ExtraPackages []string `yaml:"extra_packages"`
	ExtraCmdline  []string `yaml:"extra_cmdline"`
	BootloaderID  string   `yaml:"bootloader_id"`
	KeepDownload  bool     `yaml:"keep_download"`
}

func Default() Config {
	return Config{
		StagingDir:   constants.DefaultStagingDir,
		DownloadDir:  constants.DefaultDownloadDir,
		Mirror:       constants.DefaultMirror,
		Variant:      constants.DefaultVariant,
		CopyDirs:     constants.DefaultCopyDirs(),
		BootloaderID: constants.DefaultBootloaderID,
	}
}

// Load reads the yaml file at path on top of the defaults. A missing file is only an error if required.
func Load(fs vfs.FS, path string, required bool) (Config, error) {
	c := Default()
	data, err := fs.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			internalUtils.Log.Debug().Str("file", path).Msg("No config file, using defaults")
			return c, nil
		}
		return c, err
	}
	var file Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return c, fmt.Errorf("parsing %s: %w", path, err)
	}
	c.Merge(file)
	internalUtils.Log.Debug().Str("file", path).Interface("config", c).Msg("Loaded config")
	return c, nil
}

// Merge overrides c with every non zero field of o.
func (c *Config) Merge(o Config) {
	if o.StagingDir != "" {
		c.StagingDir = o.StagingDir
	}
	if o.DownloadDir != "" {
		c.DownloadDir = o.DownloadDir
	}
	if o.Mirror != "" {
		c.Mirror = o.Mirror
	}
	if o.Variant != "" {
		c.Variant = o.Variant
	}
	if o.BootloaderID != "" {
		c.BootloaderID = o.BootloaderID
	}
	if len(o.CopyDirs) > 0 {
		c.CopyDirs = o.CopyDirs
	}
	c.Preserve = internalUtils.UniqueSlice(append(c.Preserve, o.Preserve...))
	c.ExtraPackages = internalUtils.UniqueSlice(append(c.ExtraPackages, o.ExtraPackages...))
	c.ExtraCmdline = internalUtils.UniqueSlice(append(c.ExtraCmdline, o.ExtraCmdline...))
	c.KeepDownload = c.KeepDownload || o.KeepDownload
}

func (c Config) Validate() error {
	u, err := url.Parse(c.Mirror)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("invalid mirror %q", c.Mirror)
	}
	if c.Variant == "" || strings.ContainsAny(c.Variant, "/ ") {
		return fmt.Errorf("invalid variant %q", c.Variant)
	}
	if !strings.HasPrefix(c.StagingDir, "/") || c.StagingDir == "/" {
		return fmt.Errorf("staging dir must be an absolute path below /: %q", c.StagingDir)
	}
	return nil
}

// Systemd reports if the configured stage3 variant boots with systemd.
func (c Config) Systemd() bool {
	return strings.Contains(c.Variant, "systemd")
}

// OSRelease is the part of os-release we log.
type OSRelease struct {
	ID         string
	PrettyName string
}

func (o OSRelease) String() string {
	if o.PrettyName != "" {
		return o.PrettyName
	}
	if o.ID != "" {
		return o.ID
	}
	return "unknown"
}

// HostOSRelease reads /etc/os-release, falling back to /usr/lib/os-release.
func HostOSRelease(fs vfs.FS) OSRelease {
	for _, p := range []string{"/etc/os-release", "/usr/lib/os-release"} {
		data, err := fs.ReadFile(p)
		if err != nil {
			continue
		}
		env, err := godotenv.Parse(bytes.NewReader(data))
		if err != nil {
			internalUtils.Log.Debug().Err(err).Str("file", p).Msg("Parsing os-release")
			continue
		}
		return OSRelease{ID: env["ID"], PrettyName: env["PRETTY_NAME"]}
	}
	return OSRelease{}
}
