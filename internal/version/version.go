package version

import (
	"fmt"
	"runtime"
)

// Set at link time with -ldflags "-X".
var (
	version   = "v0.1.0"
	gitCommit = "none"
)

func GetVersion() string {
	return version
}

// BuildInfo is what the binary knows about itself. Arch matters: a build only migrates hosts of its own
// architecture, since the stage3 it fetches is picked from the host and the binary keeps running on it
// after the swap.
type BuildInfo struct {
	Version   string `json:"version,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
	Arch      string `json:"arch,omitempty"`
}

func Get() BuildInfo {
	return BuildInfo{
		Version:   version,
		GitCommit: gitCommit,
		GoVersion: runtime.Version(),
		Arch:      runtime.GOARCH,
	}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (commit %s, %s, %s)", b.Version, b.GitCommit, b.GoVersion, b.Arch)
}
