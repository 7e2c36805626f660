package authflow

import (
	"context"
	"errors"
	"time"
)

// Pinger is implemented by session stores that can report their own
// availability. The built-in Redis and Postgres stores do.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// StoreHealth is the result of one store check. Checked is false when the
// store has no way to be checked.
type StoreHealth struct {
	Checked bool
	Latency time.Duration
	Err     error
}

// HealthReport is a point-in-time view of the stores an engine depends on.
type HealthReport struct {
	// Flows covers pending flows, codes and TOTP replay markers.
	Flows    StoreHealth
	Sessions StoreHealth
}

// OK reports whether every checked store answered.
func (h HealthReport) OK() bool {
	return h.Flows.Err == nil && h.Sessions.Err == nil
}

// Health pings the engine's stores. It returns ErrBackendUnavailable, joined
// with the underlying failures, when any store did not answer; the report
// is filled in either way.
func (e *Engine) Health(ctx context.Context) (HealthReport, error) {
	if err := e.ready(); err != nil {
		return HealthReport{}, err
	}

	var report HealthReport
	report.Flows = pingStore(ctx, e.pending)
	if p, ok := e.sessions.(Pinger); ok {
		report.Sessions = pingStore(ctx, p)
	}

	if report.OK() {
		return report, nil
	}
	e.metricInc(MetricBackendUnavailable)
	return report, errors.Join(ErrBackendUnavailable, report.Flows.Err, report.Sessions.Err)
}

func pingStore(ctx context.Context, p Pinger) StoreHealth {
	latency, err := p.Ping(ctx)
	return StoreHealth{Checked: true, Latency: latency, Err: err}
}
