package rollout

import (
	"crypto/sha256"
	"encoding/binary"
)

// CohortPercentile maps a stable device identifier to a bucket in [0, 100).
// The mapping is a pure function of the identifier, so a device's bucket
// never changes, and because stage percentages only grow, a device once
// included in a stage's cohort stays included in every later stage.
func CohortPercentile(deviceID string) int {
	sum := sha256.Sum256([]byte(deviceID))

	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}

// Eligible reports whether a device may receive the rollout's target right
// now. Completed rollouts are open to the whole fleet; rolled-back, paused
// and pending rollouts expose nothing new.
func (r *Record) Eligible(deviceID string) bool {
	switch r.Status {
	case StatusCompleted:
		return true
	case StatusActive:
		return CohortPercentile(deviceID) < r.CurrentStage().Percent
	default:
		return false
	}
}
