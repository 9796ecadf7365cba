// Package rollout implements the staged rollout state machine: deterministic
// percentage cohorts, rolling-window health aggregation, and a single
// evaluator that advances, completes or rolls back each update with every
// transition recorded in the transparency log.
package rollout
