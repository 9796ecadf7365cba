// Package config loads, validates and persists the shared YAML settings file
// used by the veriup binaries.
package config
