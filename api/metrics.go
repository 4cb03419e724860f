package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertPinFailureSpike      AlertType = "pin_failure_spike"
	AlertIssuanceFailureSpike AlertType = "issuance_failure_spike"
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

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	// Sliding window for PIN verification failures.
	pinFailures  []time.Time
	pinWindow    time.Duration
	pinThreshold int

	// Sliding window for failed issuance sagas.
	issuanceFailures  []time.Time
	issuanceWindow    time.Duration
	issuanceThreshold int

	alertFn AlertFunc
}

const (
	defaultPinFailureWindow         = 1 * time.Minute
	defaultPinFailureThreshold      = 50
	defaultIssuanceFailureWindow    = 5 * time.Minute
	defaultIssuanceFailureThreshold = 10
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		pinWindow:         defaultPinFailureWindow,
		pinThreshold:      defaultPinFailureThreshold,
		issuanceWindow:    defaultIssuanceFailureWindow,
		issuanceThreshold: defaultIssuanceFailureThreshold,
		alertFn:           alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditPinVerifyFailure:
		m.recordPinFailure()
	case AuditIssuanceFailed:
		m.recordIssuanceFailure()
	}
}

func (m *metricsCollector) recordPinFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.pinFailures = append(m.pinFailures, now)
	m.pinFailures = trimWindow(m.pinFailures, now, m.pinWindow)

	if len(m.pinFailures) >= m.pinThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertPinFailureSpike,
			Message:   "PIN verification failure rate exceeds threshold",
			Count:     len(m.pinFailures),
			Threshold: m.pinThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.pinFailures = m.pinFailures[:0]
	}
}

func (m *metricsCollector) recordIssuanceFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.issuanceFailures = append(m.issuanceFailures, now)
	m.issuanceFailures = trimWindow(m.issuanceFailures, now, m.issuanceWindow)

	if len(m.issuanceFailures) >= m.issuanceThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertIssuanceFailureSpike,
			Message:   "card issuance failure rate exceeds threshold",
			Count:     len(m.issuanceFailures),
			Threshold: m.issuanceThreshold,
			Timestamp: now,
		})
		m.issuanceFailures = m.issuanceFailures[:0]
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
