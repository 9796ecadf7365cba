// Package agent runs the device-side polling loop around the update
// verification pipeline.
package agent
