// Package version exposes build metadata (semantic version, commit, build time)
// and a helper to attach a `version` subcommand to cobra CLIs.
package version
