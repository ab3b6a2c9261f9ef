package version

import "fmt"

// Overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

// GetInfo returns a human-readable version string.
func GetInfo() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
