package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veriup/veriup/internal/logger"
	"github.com/veriup/veriup/internal/translog"
)

var (
	// ErrRolloutNotFound is returned when no record exists for an update id.
	ErrRolloutNotFound = errors.New("rollout not found")
	// ErrTerminalStatus is returned when a transition is requested on a
	// rolled-back or completed rollout.
	ErrTerminalStatus = errors.New("rollout is in a terminal status")
	// ErrNotPending is returned when starting a rollout that already started.
	ErrNotPending = errors.New("rollout is not pending")
	// errStagesShrink is returned when stage percentages decrease, which
	// would evict devices already in the cohort.
	errStagesShrink = errors.New("stage percentages must be non-decreasing")
)

// Recorder is the transparency-log surface the manager writes transitions to.
type Recorder interface {
	Append(ctx context.Context, entryType translog.EntryType, payload any) (*translog.Entry, error)
}

// Manager owns every rollout record and is the only mutator of their state.
// Health aggregation and stage decisions run through a single evaluator, so
// double-transitions cannot race. Every transition is appended to the
// transparency log before the in-memory state changes: an unlogged
// transition has not happened.
type Manager struct {
	// log records every transition.
	log Recorder
	// health aggregates fleet health samples over a rolling window.
	health *HealthAggregator
	// now is the clock, replaceable in tests.
	now func() time.Time

	// mu protects records.
	mu sync.Mutex
	// records maps update id to its rollout record.
	records map[string]*Record
}

// NewManager creates a rollout manager writing transitions to the given log.
func NewManager(log Recorder, healthWindow time.Duration) *Manager {
	return &Manager{
		log:     log,
		health:  NewHealthAggregator(healthWindow),
		now:     time.Now,
		records: make(map[string]*Record),
	}
}

// Create registers a pending rollout for the target and returns its record.
// Empty stages fall back to the default ladder.
func (m *Manager) Create(target string, stages []Stage) (*Record, error) {
	if len(stages) == 0 {
		stages = DefaultStages()
	}

	previous := 0

	for _, stage := range stages {
		if stage.Percent < previous {
			return nil, fmt.Errorf("stage %q: %w", stage.Name, errStagesShrink)
		}

		previous = stage.Percent
	}

	record := &Record{
		UpdateID:  uuid.NewString(),
		Target:    target,
		Stages:    stages,
		Status:    StatusPending,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.records[record.UpdateID] = record
	m.mu.Unlock()

	return record.Clone(), nil
}

// Start activates a pending rollout at its first stage.
func (m *Manager) Start(ctx context.Context, updateID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[updateID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", updateID, ErrRolloutNotFound)
	}

	if record.Status != StatusPending {
		return nil, fmt.Errorf("%s is %s: %w", updateID, record.Status, ErrNotPending)
	}

	if err := m.transition(ctx, record, StatusActive, record.CurrentStageIndex, "started"); err != nil {
		return nil, err
	}

	return record.Clone(), nil
}

// Get returns a copy of the rollout record.
func (m *Manager) Get(updateID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[updateID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", updateID, ErrRolloutNotFound)
	}

	return record.Clone(), nil
}

// EligibleFor reports whether a device may install the target under the
// rollout that currently governs it, with that rollout's id. The governing
// record is the newest non-terminal one for the target; finished rollouts
// only answer when no live rollout exists. Unknown targets default to
// eligible: targets published without a rollout record are not
// exposure-gated.
func (m *Manager) EligibleFor(deviceID, target string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	governing := m.governingRecord(target)
	if governing == nil {
		return true, ""
	}

	return governing.Eligible(deviceID), governing.UpdateID
}

// governingRecord picks the record that decides eligibility for a target.
// Callers must hold m.mu.
func (m *Manager) governingRecord(target string) *Record {
	var governing *Record

	for _, record := range m.records {
		if record.Target != target {
			continue
		}

		if governing == nil {
			governing = record
			continue
		}

		// A live rollout always outranks a finished one; among equals the
		// newer record wins.
		recordLive, governingLive := !record.Status.Terminal(), !governing.Status.Terminal()

		switch {
		case recordLive && !governingLive:
			governing = record
		case recordLive == governingLive && record.CreatedAt.After(governing.CreatedAt):
			governing = record
		}
	}

	return governing
}

// ReportHealth feeds one device health sample into the rolling window.
func (m *Manager) ReportHealth(sample Sample) {
	m.health.Add(sample)
}

// Run evaluates all active rollouts on a fixed period until the context is
// canceled. This is the single evaluator loop.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvaluateAll(ctx)
		}
	}
}

// EvaluateAll runs one evaluation pass over every active rollout.
func (m *Manager) EvaluateAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	aggregate := m.health.Aggregate(m.now())

	for _, record := range m.records {
		if record.Status != StatusActive {
			continue
		}

		if err := m.evaluate(ctx, record, aggregate); err != nil {
			logger.ErrorKV(ctx, "Rollout evaluation failed",
				"update_id", record.UpdateID, "error", err)
		}
	}
}

// evaluate applies one aggregate health evaluation to an active rollout.
// Callers hold m.mu.
func (m *Manager) evaluate(ctx context.Context, record *Record, aggregate Aggregate) error {
	stage := record.CurrentStage()

	// Sparse data decides nothing.
	if aggregate.Total < stage.Thresholds.MinSamples {
		logger.DebugKV(ctx, "Insufficient health samples, holding stage",
			"update_id", record.UpdateID, "stage", stage.Name,
			"samples", aggregate.Total, "min_samples", stage.Thresholds.MinSamples)

		return nil
	}

	if aggregate.FailureRate() > stage.Thresholds.MaxFailureRate {
		record.consecutiveUnhealthy++

		logger.WarnKV(ctx, "Unhealthy rollout evaluation",
			"update_id", record.UpdateID, "stage", stage.Name,
			"failure_rate", aggregate.FailureRate(),
			"consecutive", record.consecutiveUnhealthy)

		if record.consecutiveUnhealthy >= stage.Thresholds.TripAfter {
			return m.transition(ctx, record, StatusRolledBack, record.CurrentStageIndex, "health_breach")
		}

		return nil
	}

	record.consecutiveUnhealthy = 0

	if m.now().Sub(record.StageEnteredAt) < stage.MinDwell {
		return nil
	}

	if record.CurrentStageIndex == len(record.Stages)-1 {
		return m.transition(ctx, record, StatusCompleted, record.CurrentStageIndex, "final_stage_complete")
	}

	return m.transition(ctx, record, StatusActive, record.CurrentStageIndex+1, "dwell_elapsed")
}

// transition logs the state change and then applies it. A failed log append
// aborts the transition: the log is the audit source of truth.
// Callers hold m.mu.
func (m *Manager) transition(ctx context.Context, record *Record, to Status, toStageIndex int, reason string) error {
	if record.Status.Terminal() {
		return fmt.Errorf("%s: %w", record.UpdateID, ErrTerminalStatus)
	}

	now := m.now()

	change := Transition{
		UpdateID:   record.UpdateID,
		Target:     record.Target,
		FromStatus: record.Status,
		ToStatus:   to,
		FromStage:  record.CurrentStage().Name,
		ToStage:    record.Stages[toStageIndex].Name,
		Reason:     reason,
		At:         now,
	}

	if _, err := m.log.Append(ctx, translog.EntryRolloutEvent, change); err != nil {
		return fmt.Errorf("log rollout transition: %w", err)
	}

	record.Status = to
	record.CurrentStageIndex = toStageIndex
	record.StageEnteredAt = now
	record.consecutiveUnhealthy = 0

	logger.InfoKV(ctx, "Rollout transition",
		"update_id", record.UpdateID, "target", record.Target,
		"status", to, "stage", change.ToStage, "reason", reason)

	return nil
}
