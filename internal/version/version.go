// Package version holds build metadata for clawgate.
package version

// Set at build time via ldflags.
var (
	Version   = "0.1.0"
	Commit    = "unknown"
	BuildDate = "unknown"
)
