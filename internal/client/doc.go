// Package client implements the device-side update pipeline: fetch the
// signed metadata chain, verify it against the pinned root, download and
// hash-check the artifact, gate on cohort eligibility, and apply. Version
// regressions are refused and reported upstream as security events.
package client
