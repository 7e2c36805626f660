package internaldefs

import (
	"github.com/MrEthical07/authflow"
	internalmetrics "github.com/MrEthical07/authflow/internal/metrics"
)

// Buckets is the fixed histogram layout of the engine.
const Buckets = internalmetrics.HistogramBuckets

// CounterDef names one engine counter.
type CounterDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram.
type HistogramDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: authflow.MetricLoginSuccess, Name: "authflow_login_success_total", Help: "Password checks that passed."},
	{ID: authflow.MetricLoginFailure, Name: "authflow_login_failure_total", Help: "Password checks that failed."},
	{ID: authflow.MetricRateLimitHit, Name: "authflow_rate_limit_hit_total", Help: "Requests denied by the rate limiter."},
	{ID: authflow.MetricSessionCreated, Name: "authflow_session_created_total", Help: "Sessions created."},
	{ID: authflow.MetricSessionRevoked, Name: "authflow_session_revoked_total", Help: "Sessions revoked."},
	{ID: authflow.MetricRefreshSuccess, Name: "authflow_refresh_success_total", Help: "Successful refreshes."},
	{ID: authflow.MetricRefreshFailure, Name: "authflow_refresh_failure_total", Help: "Failed refreshes."},
	{ID: authflow.MetricRefreshReuseDetected, Name: "authflow_refresh_reuse_detected_total", Help: "Replayed refresh tokens."},
	{ID: authflow.MetricLogout, Name: "authflow_logout_total", Help: "Single-session logouts."},
	{ID: authflow.MetricLogoutAll, Name: "authflow_logout_all_total", Help: "Logout-all operations."},
	{ID: authflow.MetricCodeIssued, Name: "authflow_code_issued_total", Help: "Challenge codes issued."},
	{ID: authflow.MetricCodeVerified, Name: "authflow_code_verified_total", Help: "Challenge codes accepted."},
	{ID: authflow.MetricCodeMismatch, Name: "authflow_code_mismatch_total", Help: "Wrong challenge codes submitted."},
	{ID: authflow.MetricCodeAttemptsExhausted, Name: "authflow_code_attempts_exhausted_total", Help: "Challenges spent by the attempt cap."},
	{ID: authflow.MetricCodeDispatchFailed, Name: "authflow_code_dispatch_failed_total", Help: "Codes the sender failed to deliver."},
	{ID: authflow.MetricStageAdvanced, Name: "authflow_stage_advanced_total", Help: "Completed flow stages."},
	{ID: authflow.MetricFlowAborted, Name: "authflow_flow_aborted_total", Help: "Flows abandoned or cancelled."},
	{ID: authflow.MetricTOTPSuccess, Name: "authflow_totp_success_total", Help: "Accepted TOTP codes."},
	{ID: authflow.MetricTOTPFailure, Name: "authflow_totp_failure_total", Help: "Rejected TOTP codes."},
	{ID: authflow.MetricTOTPReplay, Name: "authflow_totp_replay_total", Help: "Reused TOTP codes."},
	{ID: authflow.MetricEmailVerified, Name: "authflow_email_verified_total", Help: "Email addresses verified."},
	{ID: authflow.MetricPasswordReset, Name: "authflow_password_reset_total", Help: "Passwords reset."},
	{ID: authflow.MetricPasswordChanged, Name: "authflow_password_changed_total", Help: "Passwords changed by their owner."},
	{ID: authflow.MetricReauthenticated, Name: "authflow_reauthenticated_total", Help: "Passwords re-confirmed inside a session."},
	{ID: authflow.MetricSignupStarted, Name: "authflow_signup_started_total", Help: "Signup flows started."},
	{ID: authflow.MetricBackendUnavailable, Name: "authflow_backend_unavailable_total", Help: "Operations failed by a backend outage."},
}

var HistogramDefs = []HistogramDef{
	{ID: authflow.MetricValidateLatency, Name: "authflow_validate_latency_seconds", Help: "Access token validation latency."},
}

// HistogramBounds are the Prometheus "le" labels, HistogramBoundSuffix the
// same bounds spelled for instrument names.
var (
	HistogramBounds      = [Buckets]string{"0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "+Inf"}
	HistogramBoundSuffix = [Buckets]string{"0_005", "0_01", "0_025", "0_05", "0_1", "0_25", "0_5", "inf"}
)

// CumulativeBuckets turns per-bucket counts into running totals. Missing
// buckets count as zero.
func CumulativeBuckets(raw []uint64) [Buckets]uint64 {
	var out [Buckets]uint64
	var running uint64
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
