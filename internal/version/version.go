package version

import "fmt"

// Build metadata, stamped by the release pipeline through -ldflags. A binary
// built straight from the working tree reports the dev defaults.
var (
	Version   = "0.0.0-dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Short returns just the semantic version.
func Short() string {
	return Version
}

// Full renders the one-line build description used by the version subcommand.
func Full() string {
	return fmt.Sprintf("version: %s, commit: %s, built at: %s", Version, Commit, BuildTime)
}
