package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	"github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/internal/version"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/config"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/configure"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/dag"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/network"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/state"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/swap"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/topology"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
	"github.com/urfave/cli/v2"
)

func env(name string) []string {
	return []string{"GENTOO_INPLACE_" + name}
}

// Flags are shared by the migration and every inspection command.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Value: constants.DefaultConfigFile, EnvVars: env("CONFIG"), Usage: "yaml configuration file"},
		&cli.StringFlag{Name: "staging-dir", EnvVars: env("STAGING_DIR"), Usage: "where the stage3 is unpacked and configured"},
		&cli.StringFlag{Name: "download-dir", EnvVars: env("DOWNLOAD_DIR"), Usage: "where the stage3 is downloaded"},
		&cli.StringFlag{Name: "mirror", EnvVars: env("MIRROR"), Usage: "gentoo distfiles mirror"},
		&cli.StringFlag{Name: "variant", EnvVars: env("VARIANT"), Usage: "stage3 variant, e.g. openrc or systemd"},
		&cli.StringFlag{Name: "bootloader-id", EnvVars: env("BOOTLOADER_ID"), Usage: "EFI boot entry name"},
		&cli.StringSliceFlag{Name: "preserve", EnvVars: env("PRESERVE"), Usage: "extra path or glob kept during the root swap"},
		&cli.StringSliceFlag{Name: "extra-package", EnvVars: env("EXTRA_PACKAGES"), Usage: "extra package emerged into the new system"},
		&cli.StringSliceFlag{Name: "extra-cmdline", EnvVars: env("EXTRA_CMDLINE"), Usage: "extra kernel command line option"},
		&cli.BoolFlag{Name: "keep-download", EnvVars: env("KEEP_DOWNLOAD"), Usage: "keep the stage3 tarball after the migration"},
		&cli.BoolFlag{Name: "yes", EnvVars: env("YES"), Usage: "do not ask before replacing the running system"},
		&cli.BoolFlag{Name: "dry-run", EnvVars: env("DRY_RUN"), Usage: "print the migration steps and exit"},
		&cli.BoolFlag{Name: "debug", EnvVars: env("DEBUG")},
		&cli.StringFlag{Name: "log-file", Value: constants.DefaultLogFile, EnvVars: env("LOG_FILE")},
	}
}

// LoadConfig reads the configuration file, then applies the flags on top. The file is only
// required when set explicitly.
func LoadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(vfs.OSFS, c.String("config"), c.IsSet("config"))
	if err != nil {
		return cfg, err
	}
	cfg.Merge(config.Config{
		StagingDir:    c.String("staging-dir"),
		DownloadDir:   c.String("download-dir"),
		Mirror:        c.String("mirror"),
		Variant:       c.String("variant"),
		BootloaderID:  c.String("bootloader-id"),
		Preserve:      c.StringSlice("preserve"),
		ExtraPackages: c.StringSlice("extra-package"),
		ExtraCmdline:  c.StringSlice("extra-cmdline"),
		KeepDownload:  c.Bool("keep-download"),
	})
	return cfg, cfg.Validate()
}

// Migrate runs the whole migration, or only prints its steps with --dry-run.
func Migrate(c *cli.Context) error {
	cfg, err := LoadConfig(c)
	if err != nil {
		return err
	}
	v := version.Get()
	utils.Log.Info().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("gentoo-inplace")

	s := state.New(cfg)
	s.Yes = c.Bool("yes")
	g := herd.DAG(herd.EnableInit)
	if err := dag.RegisterMigration(s, g); err != nil {
		return err
	}

	utils.Log.Info().Msg(s.WriteDAG(g))
	// Once we print the dag we can exit already
	if c.Bool("dry-run") {
		fmt.Fprint(c.App.Writer, s.WriteDAG(g))
		return nil
	}

	err = g.Run(c.Context)
	utils.Log.Info().Msg(s.WriteDAG(g))
	return err
}

// inspect builds a state for the read only commands.
func inspect(c *cli.Context) (*state.State, error) {
	cfg, err := LoadConfig(c)
	if err != nil {
		return nil, err
	}
	return state.New(cfg), nil
}

func discover(c *cli.Context, s *state.State) error {
	topo, err := topology.NewAnalyzer(s.Runner, s.FS, s.Root.Path).Discover(c.Context)
	s.Topology = topo
	return err
}

var Commands = []*cli.Command{
	{
		Name:  "version",
		Usage: "version",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, version.Get())
			return nil
		},
	},
	{
		Name:  "topology",
		Usage: "show how the storage behind every mount is stacked",
		Action: func(c *cli.Context) error {
			s, err := inspect(c)
			if err != nil {
				return err
			}
			if err := discover(c, s); err != nil {
				return err
			}
			w := c.App.Writer
			for _, l := range s.Topology.Layers {
				fmt.Fprintln(w, l.String())
			}
			fmt.Fprintf(w, "lvm: %t luks: %t btrfs: %t\n", s.Topology.LVMEnabled, s.Topology.LUKSEnabled, s.Topology.BtrfsEnabled)
			writeDiagnostics(w, s)
			return nil
		},
	},
	{
		Name:  "cmdline",
		Usage: "show the kernel command line the new system will boot with",
		Action: func(c *cli.Context) error {
			s, err := inspect(c)
			if err != nil {
				return err
			}
			if err := discover(c, s); err != nil {
				return err
			}
			if err := s.TranslateCmdline(c.Context); err != nil {
				return err
			}
			w := c.App.Writer
			fmt.Fprintln(w, s.Cmdline.String())
			for _, d := range s.Cmdline.Dropped {
				fmt.Fprintf(w, "dropped: %s\n", d)
			}
			for _, u := range s.Cmdline.Unparsed {
				fmt.Fprintf(w, "unparsed: %s\n", u)
			}
			writeDiagnostics(w, s)
			return nil
		},
	},
	{
		Name:  "network",
		Usage: "show the network configuration the new system will get",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "init", Usage: "openrc or systemd, defaults to the configured variant"},
		},
		Action: func(c *cli.Context) error {
			s, err := inspect(c)
			if err != nil {
				return err
			}
			t := &network.Translator{Host: network.NewNetlinkHost(), Aliases: network.UdevAliases{Runner: s.Runner}}
			res, err := t.Translate(c.Context)
			if err != nil {
				return err
			}
			if err := s.ApplyNetwork(res); err != nil {
				return err
			}
			systemd := s.Config.Systemd()
			if c.IsSet("init") {
				systemd = c.String("init") == "systemd"
			}
			files := configure.SelectInit(systemd).NetworkFiles(s.Rendered)
			w := c.App.Writer
			for _, p := range sortedKeys(files) {
				fmt.Fprintf(w, "# %s\n%s\n", p, files[p])
			}
			if res.LegacyNames {
				fmt.Fprintln(w, "kernel command line gets net.ifnames=0")
			}
			writeDiagnostics(w, s)
			return nil
		},
	},
	{
		Name:  "plan",
		Usage: "list what the root swap would delete",
		Action: func(c *cli.Context) error {
			s, err := inspect(c)
			if err != nil {
				return err
			}
			if err := discover(c, s); err != nil {
				return err
			}
			opts := s.SwapOptions(c.Context)
			e, err := swap.NewExecutor(s.FS, s.Runner, swap.Helper{Staged: s.Root.Path}, opts)
			if err != nil {
				return err
			}
			paths, err := e.Plan()
			if err != nil {
				return err
			}
			w := c.App.Writer
			for _, p := range paths {
				fmt.Fprintf(w, "delete %s\n", p)
			}
			for _, d := range opts.CopyDirs {
				fmt.Fprintf(w, "copy %s\n", d)
			}
			writeDiagnostics(w, s)
			return nil
		},
	},
}

func writeDiagnostics(w io.Writer, s *state.State) {
	for _, d := range s.AllDiagnostics() {
		fmt.Fprintln(w, d.String())
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
