// Package server exposes the published repository over HTTP: the current
// generation of signed metadata and content-addressed target bytes (served
// from an atomically swapped immutable snapshot), device health intake,
// rollout status, and transparency log roots and inclusion proofs.
package server
