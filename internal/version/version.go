// Package version holds build information set through -ldflags
package version

import "fmt"

var (
	// Version is the release tag
	Version = "dev"
	// Commit is the git revision
	Commit = "none"
	// Date is the build time
	Date = "unknown"
)

// Info formats the build information for `claude-routines version`
func Info() string {
	return fmt.Sprintf("claude-routines %s (commit %s, built %s)", Version, Commit, Date)
}
