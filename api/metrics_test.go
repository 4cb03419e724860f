package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsPinFailureSpike(t *testing.T) {
	var alerts []AlertEvent
	m := newMetricsCollector(func(e AlertEvent) { alerts = append(alerts, e) })
	m.pinThreshold = 3

	m.recordEvent(AuditPinVerifyFailure)
	m.recordEvent(AuditPinVerifyFailure)
	assert.Empty(t, alerts)

	m.recordEvent(AuditPinVerifyFailure)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPinFailureSpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)

	// The window resets after an alert; the next failure does not re-trigger.
	m.recordEvent(AuditPinVerifyFailure)
	assert.Len(t, alerts, 1)
}

func TestMetricsIssuanceFailureSpike(t *testing.T) {
	var alerts []AlertEvent
	m := newMetricsCollector(func(e AlertEvent) { alerts = append(alerts, e) })
	m.issuanceThreshold = 2

	m.recordEvent(AuditIssuanceFailed)
	m.recordEvent(AuditIssuanceFailed)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertIssuanceFailureSpike, alerts[0].Type)
}

func TestMetricsIgnoresUnrelatedEvents(t *testing.T) {
	var alerts []AlertEvent
	m := newMetricsCollector(func(e AlertEvent) { alerts = append(alerts, e) })
	m.pinThreshold = 1

	m.recordEvent(AuditCardIssued)
	m.recordEvent(AuditCardBlocked)
	assert.Empty(t, alerts)
}

func TestMetricsNilCollectorIsSafe(t *testing.T) {
	var m *metricsCollector
	m.recordEvent(AuditPinVerifyFailure) // must not panic
}
