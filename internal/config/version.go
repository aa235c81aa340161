// Package config carries build-time metadata injected via -ldflags.
package config

var (
	// Version is the semantic version of this build.
	Version = "dev"
	// GitCommit is the short hash of the commit this binary was built from.
	GitCommit = "unknown"
	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)
