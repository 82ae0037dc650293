// Package version holds build metadata, set with -ldflags at build time.
package version

var (
	Version   = "UNKNOWN"
	GitCommit = "UNKNOWN"
)
