package core

import "runtime/debug"

// Version is the application version, injected at build time:
//
//	go build -ldflags "-X sdlora_server/core.Version=$(git describe --tags --always)" .
var Version = "dev"

// BuildTime is the build timestamp, injected the same way as Version.
var BuildTime = "unknown"

// GitCommit is the short commit hash. When not injected it is read from
// the VCS stamp the Go toolchain embeds in the binary.
var GitCommit = "unknown"

// GetVersion returns the application version string.
func GetVersion() string {
	return Version
}

// GetGitCommit returns the git commit hash.
func GetGitCommit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
				return setting.Value[:7]
			}
		}
	}
	return GitCommit
}

// GetVersionInfo returns a formatted version information string,
// e.g. "v1.0.0 (built 2024-01-15T10:30:00Z, commit abc1234)".
func GetVersionInfo() string {
	return Version + " (built " + BuildTime + ", commit " + GetGitCommit() + ")"
}
