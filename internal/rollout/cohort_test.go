package rollout

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// deviceAtPercentile brute-forces a device id hashing into the wanted bucket.
func deviceAtPercentile(t *testing.T, want int) string {
	t.Helper()

	for i := 0; i < 100000; i++ {
		id := fmt.Sprintf("device-%d", i)
		if CohortPercentile(id) == want {
			return id
		}
	}

	t.Fatalf("no device id found for percentile %d", want)

	return ""
}

// TestCohortPercentileIsStable verifies the mapping is deterministic and bounded.
func TestCohortPercentileIsStable(t *testing.T) {
	t.Parallel()

	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("device-%d", i)

		p := CohortPercentile(id)
		require.GreaterOrEqual(t, p, 0)
		require.Less(t, p, 100)
		require.Equal(t, p, CohortPercentile(id))
	}
}

// TestCohortMonotonicity verifies a device in stage N's cohort stays in every
// later stage's cohort as the rollout advances.
func TestCohortMonotonicity(t *testing.T) {
	t.Parallel()

	record := &Record{
		UpdateID: "u1",
		Target:   "kernel-6.1.55",
		Stages:   DefaultStages(),
		Status:   StatusActive,
	}

	members := make(map[string]struct{})

	for stageIndex := range record.Stages {
		record.CurrentStageIndex = stageIndex

		// Every device included at a previous stage must remain included.
		for id := range members {
			require.True(t, record.Eligible(id),
				"device %s dropped at stage %s", id, record.CurrentStage().Name)
		}

		for i := 0; i < 500; i++ {
			id := fmt.Sprintf("device-%d", i)
			if record.Eligible(id) {
				members[id] = struct{}{}
			}
		}
	}
}

// TestEligibilityScenario covers canary 1% / full 100% with devices at
// percentile 0 and percentile 50.
func TestEligibilityScenario(t *testing.T) {
	t.Parallel()

	stages := []Stage{
		{Name: "canary", Percent: 1, MinDwell: time.Minute},
		{Name: "full", Percent: 100, MinDwell: time.Minute},
	}

	record := &Record{
		UpdateID: "u1",
		Target:   "kernel-6.1.55",
		Stages:   stages,
		Status:   StatusActive,
	}

	canaryDevice := deviceAtPercentile(t, 0)
	deferredDevice := deviceAtPercentile(t, 50)

	require.True(t, record.Eligible(canaryDevice))
	require.False(t, record.Eligible(deferredDevice))

	// Stage advances to full: both are eligible.
	record.CurrentStageIndex = 1
	require.True(t, record.Eligible(canaryDevice))
	require.True(t, record.Eligible(deferredDevice))
}

// TestEligibilityByStatus checks non-active statuses.
func TestEligibilityByStatus(t *testing.T) {
	t.Parallel()

	record := &Record{
		UpdateID: "u1",
		Stages:   DefaultStages(),
	}

	device := deviceAtPercentile(t, 0)

	record.Status = StatusPending
	require.False(t, record.Eligible(device))

	record.Status = StatusRolledBack
	require.False(t, record.Eligible(device))

	record.Status = StatusCompleted
	require.True(t, record.Eligible(deviceAtPercentile(t, 99)))
}
