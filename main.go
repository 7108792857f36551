package main

import (
	"fmt"
	"io"
	"os"

	"github.com/gentoo-inplace/gentoo-inplace/internal/cmd"
	"github.com/gentoo-inplace/gentoo-inplace/internal/utils"
	"github.com/gentoo-inplace/gentoo-inplace/internal/version"
	"github.com/urfave/cli/v2"
)

// Replace the running distribution with Gentoo, in place.
func main() {
	var logCloser io.Closer

	app := cli.NewApp()
	app.Name = "gentoo-inplace"
	app.Usage = "replace the running Linux distribution with Gentoo"
	app.Version = version.GetVersion()
	app.Flags = cmd.Flags()
	app.Commands = cmd.Commands
	app.Before = func(c *cli.Context) error {
		logCloser = utils.SetLogger(c.String("log-file"), c.Bool("debug"))
		return nil
	}
	app.After = func(_ *cli.Context) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	}
	app.Action = cmd.Migrate

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
