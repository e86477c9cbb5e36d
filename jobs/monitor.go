package jobs

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const AlertSigningFailureSpike AlertType = "signing_failure_spike"

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultFailureWindow    = 5 * time.Minute
	defaultFailureThreshold = 20
)

// FailureMonitor keeps a sliding window of signing failures and raises an
// alert when the window fills past its threshold.
type FailureMonitor struct {
	mu        sync.Mutex
	failures  []time.Time
	window    time.Duration
	threshold int
	now       func() time.Time
	alertFn   AlertFunc
}

// NewFailureMonitor returns a monitor. window and threshold fall back to
// 5 minutes and 20 failures when not positive.
func NewFailureMonitor(window time.Duration, threshold int, alertFn AlertFunc) *FailureMonitor {
	if window <= 0 {
		window = defaultFailureWindow
	}
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	return &FailureMonitor{window: window, threshold: threshold, now: time.Now, alertFn: alertFn}
}

// RecordFailure counts one failed signing job.
func (m *FailureMonitor) RecordFailure() {
	if m == nil || m.alertFn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.failures = append(m.failures, now)
	m.failures = trimWindow(m.failures, now, m.window)

	if len(m.failures) >= m.threshold {
		m.alertFn(AlertEvent{
			Type:      AlertSigningFailureSpike,
			Message:   "signing failure rate exceeds threshold",
			Count:     len(m.failures),
			Threshold: m.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.failures = m.failures[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
