package authflow

import (
	"time"

	internalmetrics "github.com/MrEthical07/authflow/internal/metrics"
)

// MetricID identifies one engine counter or histogram.
type MetricID = internalmetrics.MetricID

// MetricsSnapshot is a point-in-time copy of all engine metrics.
type MetricsSnapshot = internalmetrics.Snapshot

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricRateLimitHit
	MetricSessionCreated
	MetricSessionRevoked
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricLogout
	MetricLogoutAll
	MetricCodeIssued
	MetricCodeVerified
	MetricCodeMismatch
	MetricCodeAttemptsExhausted
	MetricCodeDispatchFailed
	MetricStageAdvanced
	MetricFlowAborted
	MetricTOTPSuccess
	MetricTOTPFailure
	MetricTOTPReplay
	MetricEmailVerified
	MetricPasswordReset
	MetricPasswordChanged
	MetricReauthenticated
	MetricSignupStarted
	MetricBackendUnavailable
	MetricValidateLatency
	metricIDCount
)

// MetricCount is the number of defined metric IDs.
const MetricCount = int(metricIDCount)

func newMetrics(cfg MetricsConfig) *internalmetrics.Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:                 cfg.Enabled,
		EnableLatencyHistograms: cfg.EnableLatencyHistograms,
	}, MetricCount, MetricValidateLatency)
}

// MetricsSnapshot returns the current counters. With metrics disabled the
// maps are empty.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) metricObserve(id MetricID, start time.Time) {
	if e == nil || !e.metrics.LatencyEnabled() {
		return
	}
	e.metrics.Observe(id, time.Since(start))
}
