// Package server wires the update server process: repository watch,
// rollout evaluator, transparency log and HTTP serving with graceful
// shutdown.
package server
