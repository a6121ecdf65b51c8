package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertPinFailureSpike AlertType = "pin_failure_spike"
	AlertRateLimitSpike  AlertType = "rate_limit_spike"
)

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

// window is a sliding-window counter that fires once per spike.
type window struct {
	events    []time.Time
	span      time.Duration
	threshold int
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	pinFailures window
	rateLimited window

	alertFn AlertFunc
}

const (
	defaultPinFailureWindow    = 5 * time.Minute
	defaultPinFailureThreshold = 10
	defaultRateLimitWindow     = 1 * time.Minute
	defaultRateLimitThreshold  = 50
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		pinFailures: window{span: defaultPinFailureWindow, threshold: defaultPinFailureThreshold},
		rateLimited: window{span: defaultRateLimitWindow, threshold: defaultRateLimitThreshold},
		alertFn:     alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditPinFailed:
		m.record(&m.pinFailures, AlertPinFailureSpike, "pin failure rate exceeds threshold")
	case AuditUploadRateLimited:
		m.record(&m.rateLimited, AlertRateLimitSpike, "rate-limited uploads exceed threshold")
	}
}

func (m *metricsCollector) record(w *window, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	w.events = append(w.events, now)
	w.events = trimWindow(w.events, now, w.span)

	if len(w.events) >= w.threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(w.events),
			Threshold: w.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		w.events = w.events[:0]
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
