package keyguard

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

const Version = "1.0.0"

// Set with -ldflags "-X github.com/hengadev/keyguard.GitCommit=...". When
// empty, the VCS stamp embedded by the go command is used instead.
var (
	GitCommit string
	BuildDate string
)

// VersionDetails describes the running binary.
type VersionDetails struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit,omitempty"`
	BuildDate string `json:"buildDate,omitempty"`
	GoVersion string `json:"goVersion"`
}

// FullVersionInfo returns the version with build metadata.
func FullVersionInfo() VersionDetails {
	d := VersionDetails{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
	if d.GitCommit != "" {
		return d
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				d.GitCommit = s.Value
			case "vcs.time":
				if d.BuildDate == "" {
					d.BuildDate = s.Value
				}
			}
		}
	}
	return d
}

// VersionInfo returns a one-line version string.
func VersionInfo() string {
	return "keyguard " + FullVersionInfo().String()
}

func (v VersionDetails) String() string {
	if v.GitCommit == "" {
		return fmt.Sprintf("v%s", v.Version)
	}
	commit := v.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if v.BuildDate == "" {
		return fmt.Sprintf("v%s-%s", v.Version, commit)
	}
	return fmt.Sprintf("v%s-%s (%s)", v.Version, commit, v.BuildDate)
}
