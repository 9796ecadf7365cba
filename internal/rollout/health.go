package rollout

import (
	"sync"
	"time"
)

// CheckStatus is the outcome of one device health check.
type CheckStatus string

// Health check outcomes.
const (
	CheckPass CheckStatus = "pass"
	CheckFail CheckStatus = "fail"
)

// Sample is one ephemeral device health report. Samples are aggregated over
// a rolling window and not persisted long-term.
type Sample struct {
	// DeviceID identifies the reporting device or device class.
	DeviceID string `json:"device_id"`
	// Check names the health check that produced the sample.
	Check string `json:"check_name"`
	// Status is pass or fail.
	Status CheckStatus `json:"status"`
	// At is when the sample was taken.
	At time.Time `json:"timestamp"`
}

// Aggregate summarizes the samples inside the rolling window.
type Aggregate struct {
	// Total is the number of samples in the window.
	Total int
	// Failed is the number of failing samples in the window.
	Failed int
}

// FailureRate returns Failed/Total, or 0 for an empty window.
func (a Aggregate) FailureRate() float64 {
	if a.Total == 0 {
		return 0
	}

	return float64(a.Failed) / float64(a.Total)
}

// HealthAggregator keeps a rolling window of health samples.
type HealthAggregator struct {
	// window is how long a sample stays relevant.
	window time.Duration
	// mu protects the sample buffer.
	mu sync.Mutex
	// samples holds the buffered samples, oldest first.
	samples []Sample
}

// NewHealthAggregator creates an aggregator with the given rolling window.
func NewHealthAggregator(window time.Duration) *HealthAggregator {
	return &HealthAggregator{
		window: window,
	}
}

// Add records a sample. Samples without a timestamp get the current time.
func (h *HealthAggregator) Add(sample Sample) {
	if sample.At.IsZero() {
		sample.At = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples = append(h.samples, sample)
}

// Aggregate prunes samples older than the window and summarizes the rest.
func (h *HealthAggregator) Aggregate(now time.Time) Aggregate {
	cutoff := now.Add(-h.window)

	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.samples[:0]

	var result Aggregate

	for _, sample := range h.samples {
		if sample.At.Before(cutoff) {
			continue
		}

		kept = append(kept, sample)
		result.Total++

		if sample.Status == CheckFail {
			result.Failed++
		}
	}

	h.samples = kept

	return result
}
