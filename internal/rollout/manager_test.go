package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriup/veriup/internal/translog"
)

var errLogDown = errors.New("log unavailable")

// memoryRecorder is an in-memory Recorder capturing appended transitions.
type memoryRecorder struct {
	// entries holds every appended payload in order.
	entries []appended
	// appendErr, when set, fails every append.
	appendErr error
}

type appended struct {
	entryType translog.EntryType
	payload   any
}

// Append records the payload or fails with the configured error.
func (m *memoryRecorder) Append(_ context.Context, entryType translog.EntryType, payload any) (*translog.Entry, error) {
	if m.appendErr != nil {
		return nil, m.appendErr
	}

	m.entries = append(m.entries, appended{entryType: entryType, payload: payload})

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &translog.Entry{Index: uint64(len(m.entries) - 1), Payload: body}, nil
}

// transitions filters the captured payloads down to rollout transitions.
func (m *memoryRecorder) transitions() []Transition {
	result := make([]Transition, 0, len(m.entries))

	for _, entry := range m.entries {
		if change, ok := entry.payload.(Transition); ok {
			result = append(result, change)
		}
	}

	return result
}

// newTestManager builds a manager with a fake clock and in-memory recorder.
func newTestManager(recorder *memoryRecorder) (*Manager, *time.Time) {
	m := NewManager(recorder, 10*time.Minute)

	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	return m, &now
}

// feedHealth adds n samples with the given number of failures, stamped now.
func feedHealth(m *Manager, now time.Time, total, failed int) {
	for i := 0; i < total; i++ {
		status := CheckPass
		if i < failed {
			status = CheckFail
		}

		m.ReportHealth(Sample{DeviceID: "d", Check: "boot", Status: status, At: now})
	}
}

// TestStartLogsAndActivates checks pending → active with a logged transition.
func TestStartLogsAndActivates(t *testing.T) {
	t.Parallel()

	recorder := new(memoryRecorder)
	m, _ := newTestManager(recorder)

	record, err := m.Create("kernel-6.1.55", nil)
	require.NoError(t, err)
	require.Equal(t, StatusPending, record.Status)

	started, err := m.Start(context.Background(), record.UpdateID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, started.Status)
	require.Equal(t, "canary", started.CurrentStage().Name)

	changes := recorder.transitions()
	require.Len(t, changes, 1)
	require.Equal(t, StatusPending, changes[0].FromStatus)
	require.Equal(t, StatusActive, changes[0].ToStatus)

	// Starting twice fails.
	_, err = m.Start(context.Background(), record.UpdateID)
	require.ErrorIs(t, err, ErrNotPending)
}

// TestAdvanceAfterDwellWithHealthySamples checks active → active stage advance.
func TestAdvanceAfterDwellWithHealthySamples(t *testing.T) {
	t.Parallel()

	recorder := new(memoryRecorder)
	m, now := newTestManager(recorder)

	record, err := m.Create("kernel-6.1.55", nil)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), record.UpdateID)
	require.NoError(t, err)

	// Healthy but dwell not elapsed: no advance.
	feedHealth(m, *now, 10, 0)
	m.EvaluateAll(context.Background())

	current, err := m.Get(record.UpdateID)
	require.NoError(t, err)
	require.Equal(t, "canary", current.CurrentStage().Name)

	// Dwell elapsed and healthy: advance to early.
	*now = now.Add(16 * time.Minute)
	feedHealth(m, *now, 10, 0)
	m.EvaluateAll(context.Background())

	current, err = m.Get(record.UpdateID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, current.Status)
	require.Equal(t, "early", current.CurrentStage().Name)
}

// TestCircuitBreakerRollsBack verifies three consecutive unhealthy
// evaluations trip the breaker with exactly one rollback log entry.
func TestCircuitBreakerRollsBack(t *testing.T) {
	t.Parallel()

	recorder := new(memoryRecorder)
	m, now := newTestManager(recorder)

	record, err := m.Create("kernel-6.1.55", nil)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), record.UpdateID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		feedHealth(m, *now, 10, 5)
		m.EvaluateAll(context.Background())
	}

	current, err := m.Get(record.UpdateID)
	require.NoError(t, err)
	require.Equal(t, StatusRolledBack, current.Status)

	rollbacks := 0

	for _, change := range recorder.transitions() {
		if change.ToStatus == StatusRolledBack {
			rollbacks++
			require.Equal(t, "health_breach", change.Reason)
		}
	}

	require.Equal(t, 1, rollbacks)

	// Terminal: further evaluations change nothing.
	feedHealth(m, *now, 10, 10)
	m.EvaluateAll(context.Background())

	after, err := m.Get(record.UpdateID)
	require.NoError(t, err)
	require.Equal(t, StatusRolledBack, after.Status)
}

// TestHealthyEvaluationResetsBreaker checks the consecutive counter resets.
func TestHealthyEvaluationResetsBreaker(t *testing.T) {
	t.Parallel()

	recorder := new(memoryRecorder)
	m, now := newTestManager(recorder)

	record, err := m.Create("kernel-6.1.55", nil)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), record.UpdateID)
	require.NoError(t, err)

	// Two unhealthy, one healthy, two unhealthy: breaker must not trip.
	for _, failed := range []int{5, 5, 0, 5, 5} {
		feedHealth(m, *now, 10, failed)
		m.EvaluateAll(context.Background())
	}

	current, err := m.Get(record.UpdateID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, current.Status)
}

// TestInsufficientSamplesHoldStage checks the unknown outcome: neither
// advance nor rollback, and the breaker counter is untouched.
func TestInsufficientSamplesHoldStage(t *testing.T) {
	t.Parallel()

	recorder := new(memoryRecorder)
	m, now := newTestManager(recorder)

	record, err := m.Create("kernel-6.1.55", nil)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), record.UpdateID)
	require.NoError(t, err)

	*now = now.Add(time.Hour)

	// Below MinSamples even though every sample fails.
	feedHealth(m, *now, 2, 2)
	m.EvaluateAll(context.Background())

	current, err := m.Get(record.UpdateID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, current.Status)
	require.Equal(t, "canary", current.CurrentStage().Name)
}

// TestCompletionAtFinalStage walks a two-stage rollout to completed.
func TestCompletionAtFinalStage(t *testing.T) {
	t.Parallel()

	recorder := new(memoryRecorder)
	m, now := newTestManager(recorder)

	stages := []Stage{
		{Name: "canary", Percent: 1, MinDwell: time.Minute,
			Thresholds: Thresholds{MaxFailureRate: 0.1, MinSamples: 1, TripAfter: 3}},
		{Name: "full", Percent: 100, MinDwell: time.Minute,
			Thresholds: Thresholds{MaxFailureRate: 0.1, MinSamples: 1, TripAfter: 3}},
	}

	record, err := m.Create("kernel-6.1.55", stages)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), record.UpdateID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		*now = now.Add(2 * time.Minute)
		feedHealth(m, *now, 5, 0)
		m.EvaluateAll(context.Background())
	}

	current, err := m.Get(record.UpdateID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, current.Status)

	final := recorder.transitions()[len(recorder.transitions())-1]
	require.Equal(t, "final_stage_complete", final.Reason)
}

// TestLogAppendFailureAbortsTransition verifies an unlogged transition does
// not happen.
func TestLogAppendFailureAbortsTransition(t *testing.T) {
	t.Parallel()

	recorder := &memoryRecorder{appendErr: errLogDown}
	m, _ := newTestManager(recorder)

	record, err := m.Create("kernel-6.1.55", nil)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), record.UpdateID)
	require.ErrorIs(t, err, errLogDown)

	current, err := m.Get(record.UpdateID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, current.Status)
}

// TestCreateRejectsShrinkingStages guards cohort monotonicity at creation.
func TestCreateRejectsShrinkingStages(t *testing.T) {
	t.Parallel()

	recorder := new(memoryRecorder)
	m, _ := newTestManager(recorder)

	_, err := m.Create("kernel-6.1.55", []Stage{
		{Name: "wide", Percent: 50, MinDwell: time.Minute},
		{Name: "narrow", Percent: 10, MinDwell: time.Minute},
	})
	require.Error(t, err)
}

// TestNewestRolloutGovernsEligibility verifies that after a completed rollout
// for a target, a fresh canary rollout gates the same target again: devices
// outside the canary cohort stay ineligible no matter how many times they ask.
func TestNewestRolloutGovernsEligibility(t *testing.T) {
	t.Parallel()

	recorder := new(memoryRecorder)
	m, now := newTestManager(recorder)

	old, err := m.Create("kernel-6.1.55", nil)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), old.UpdateID)
	require.NoError(t, err)

	m.mu.Lock()
	m.records[old.UpdateID].Status = StatusCompleted
	m.mu.Unlock()

	*now = now.Add(time.Hour)

	fresh, err := m.Create("kernel-6.1.55", nil)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), fresh.UpdateID)
	require.NoError(t, err)

	outside := deviceAtPercentile(t, 50)

	for i := 0; i < 200; i++ {
		eligible, updateID := m.EligibleFor(outside, "kernel-6.1.55")
		require.False(t, eligible)
		require.Equal(t, fresh.UpdateID, updateID)
	}

	// A canary-cohort device is admitted by the fresh rollout.
	inside := deviceAtPercentile(t, 0)
	eligible, updateID := m.EligibleFor(inside, "kernel-6.1.55")
	require.True(t, eligible)
	require.Equal(t, fresh.UpdateID, updateID)
}
