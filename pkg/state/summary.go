package state

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/schema"
	"github.com/spectrocloud-labs/herd"
)

var (
	heading = color.New(color.Bold)
	good    = color.New(color.FgGreen)
	warn    = color.New(color.FgYellow)
	bad     = color.New(color.FgRed, color.Bold)
)

// SummaryDagStep prints what the operator has to review after the migration.
func (s *State) SummaryDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.step(g, constants.OpSummary, func(_ context.Context) error {
		s.WriteSummary(s.Out)
		return nil
	}, opts...)
}

func (s *State) WriteSummary(w io.Writer) {
	heading.Fprintln(w, "Migration summary")

	fmt.Fprintf(w, "Kernel command line: %s\n", s.Cmdline.String())
	list(w, "Dropped boot options", s.Cmdline.Dropped)
	list(w, "Unparsed boot options, passed through", s.Cmdline.Unparsed)

	switch {
	case s.Bootloader.BIOS && s.Bootloader.UEFI:
		fmt.Fprintf(w, "Bootloader: BIOS on %s and UEFI on %s\n", s.Bootloader.BIOSDisk, s.Bootloader.ESP.Device())
	case s.Bootloader.BIOS:
		fmt.Fprintf(w, "Bootloader: BIOS on %s\n", s.Bootloader.BIOSDisk)
	case s.Bootloader.UEFI:
		fmt.Fprintf(w, "Bootloader: UEFI on %s\n", s.Bootloader.ESP.Device())
	}

	if diags := s.AllDiagnostics(); len(diags) > 0 {
		heading.Fprintln(w, "Diagnostics:")
		for _, d := range diags {
			c := good
			switch d.Severity {
			case schema.SeverityError:
				c = bad
			case schema.SeverityWarning:
				c = warn
			}
			c.Fprintf(w, "  %s\n", d)
		}
	}

	fmt.Fprintf(w, "Deleted %d entries, copied %d directories\n", len(s.Swap.Deleted), len(s.Swap.Copied))
	if s.Swap.DeleteErrors != nil {
		warn.Fprintf(w, "Deletion errors:\n%s\n", indent(s.Swap.DeleteErrors.Error()))
	}
	if s.Swap.CopyErrors != nil {
		bad.Fprintf(w, "Copy errors:\n%s\n", indent(s.Swap.CopyErrors.Error()))
	}

	if s.StagedKept {
		bad.Fprintf(w, "Staged root kept at %s, copy its content over / before rebooting\n", s.Root.Path)
	} else {
		good.Fprintln(w, "Staged root removed, reboot into Gentoo")
	}
}

func list(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	warn.Fprintf(w, "%s:\n", title)
	for _, i := range items {
		fmt.Fprintf(w, "  %s\n", i)
	}
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n  ")
}
