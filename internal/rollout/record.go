package rollout

import (
	"time"
)

// Status is the lifecycle state of a rollout record.
type Status string

// Rollout statuses. RolledBack and Completed are terminal: re-entry requires
// a new rollout with a fresh update id.
const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusRolledBack Status = "rolled_back"
	StatusCompleted  Status = "completed"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusRolledBack || s == StatusCompleted
}

// Thresholds configures when a stage evaluation counts as healthy and when
// the circuit breaker trips. The formula is configurable on purpose.
type Thresholds struct {
	// MaxFailureRate is the aggregate failure rate (0..1) above which one
	// evaluation is unhealthy.
	MaxFailureRate float64 `json:"max_failure_rate"`
	// MinSamples is the minimum sample count for a meaningful evaluation.
	// Below it the result is unknown and neither advances nor rolls back.
	MinSamples int `json:"min_samples"`
	// TripAfter is the number of consecutive unhealthy evaluations that
	// rolls the update back.
	TripAfter int `json:"trip_after"`
}

// Stage is one exposure step of a staged rollout.
type Stage struct {
	// Name is the human-readable stage name.
	Name string `json:"name"`
	// Percent of the fleet eligible at this stage (1..100).
	Percent int `json:"percent"`
	// MinDwell is the minimum time to hold this stage before advancing.
	MinDwell time.Duration `json:"min_dwell"`
	// Thresholds gates advancing and rolling back.
	Thresholds Thresholds `json:"thresholds"`
}

// Default stage parameters: canary 1%, early 10%, gradual 50%, full 100%.
const (
	defaultMaxFailureRate = 0.05
	defaultMinSamples     = 5
	defaultTripAfter      = 3
	defaultMinDwell       = 15 * time.Minute
)

// DefaultStages returns the standard four-stage exposure ladder.
func DefaultStages() []Stage {
	thresholds := Thresholds{
		MaxFailureRate: defaultMaxFailureRate,
		MinSamples:     defaultMinSamples,
		TripAfter:      defaultTripAfter,
	}

	return []Stage{
		{Name: "canary", Percent: 1, MinDwell: defaultMinDwell, Thresholds: thresholds},
		{Name: "early", Percent: 10, MinDwell: defaultMinDwell, Thresholds: thresholds},
		{Name: "gradual", Percent: 50, MinDwell: defaultMinDwell, Thresholds: thresholds},
		{Name: "full", Percent: 100, MinDwell: defaultMinDwell, Thresholds: thresholds},
	}
}

// Record tracks one update's rollout. Mutated only by the Manager.
type Record struct {
	// UpdateID uniquely identifies this rollout.
	UpdateID string `json:"update_id"`
	// Target is the target name this rollout distributes.
	Target string `json:"target"`
	// Stages is the ordered exposure ladder.
	Stages []Stage `json:"stages"`
	// CurrentStageIndex points into Stages while the rollout is active.
	CurrentStageIndex int `json:"current_stage_index"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// CreatedAt orders rollouts for the same target: the newest one governs
	// eligibility.
	CreatedAt time.Time `json:"created_at"`
	// StageEnteredAt is when the current stage was entered.
	StageEnteredAt time.Time `json:"stage_entered_at"`

	// consecutiveUnhealthy counts unhealthy evaluations in a row for the
	// circuit breaker. Reset by any healthy evaluation, not by unknowns.
	consecutiveUnhealthy int
}

// CurrentStage returns the active stage.
func (r *Record) CurrentStage() Stage {
	return r.Stages[r.CurrentStageIndex]
}

// Clone returns a copy safe to hand out to readers.
func (r *Record) Clone() *Record {
	cloned := *r
	cloned.Stages = append([]Stage(nil), r.Stages...)

	return &cloned
}

// Transition is the transparency-log payload for every rollout state change.
type Transition struct {
	// UpdateID identifies the rollout.
	UpdateID string `json:"update_id"`
	// Target is the distributed target name.
	Target string `json:"target"`
	// FromStatus and ToStatus bracket the status change.
	FromStatus Status `json:"from_status"`
	ToStatus   Status `json:"to_status"`
	// FromStage and ToStage name the stages around the change (may be equal).
	FromStage string `json:"from_stage"`
	ToStage   string `json:"to_stage"`
	// Reason is a short machine-readable cause ("started", "dwell_elapsed",
	// "health_breach", "final_stage_complete").
	Reason string `json:"reason"`
	// At is when the transition happened.
	At time.Time `json:"at"`
}
