package authflow

import "time"

// SecurityReport summarizes the security-relevant settings an engine runs
// with, for startup logs and health endpoints.
type SecurityReport struct {
	SigningAlgorithm    string
	ValidationMode      ValidationMode
	AccessTTL           time.Duration
	RefreshTTL          time.Duration
	AbsoluteTTL         time.Duration
	RefreshRotation     bool
	PreviousRefreshKeys int
	CodeLength          int
	CodeAlphabet        CodeAlphabet
	CodeMaxAttempts     int
	LoginStages         []string
	SignupStages        []string
	TOTPDigits          int
	Argon2              PasswordConfigReport
	RateLimitedActions  []string
	UnlimitedActions    []string
	AuditEnabled        bool
	MetricsEnabled      bool
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

// rateLimitedActions are the actions the engine consults the limiter for.
var rateLimitedActions = []string{
	ActionLogin,
	ActionRequestLoginCode,
	ActionResetPassword,
	ActionResetPasswordFromKey,
	ActionVerifyEmail,
	ActionRefresh,
	ActionChangePassword,
	ActionReauthenticate,
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	cfg := e.config

	report := SecurityReport{
		SigningAlgorithm:    cfg.Token.SigningMethod,
		ValidationMode:      cfg.Token.ValidationMode,
		AccessTTL:           cfg.Token.AccessTTL,
		RefreshTTL:          cfg.Token.RefreshTTL,
		AbsoluteTTL:         cfg.Token.AbsoluteTTL,
		RefreshRotation:     cfg.Token.RotateRefreshTokens,
		PreviousRefreshKeys: len(cfg.Token.PreviousRefreshKeys),
		CodeLength:          cfg.Codes.Length,
		CodeAlphabet:        cfg.Codes.Alphabet,
		CodeMaxAttempts:     cfg.Codes.MaxAttempts,
		LoginStages:         append([]string(nil), cfg.Stages.Login...),
		SignupStages:        append([]string(nil), cfg.Stages.Signup...),
		TOTPDigits:          cfg.TOTP.Digits,
		Argon2: PasswordConfigReport{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
			MinLength:   cfg.Password.MinLength,
		},
		AuditEnabled:   cfg.Audit.Enabled,
		MetricsEnabled: cfg.Metrics.Enabled,
	}

	for _, action := range rateLimitedActions {
		p := cfg.RateLimits.Policies[action]
		if p.Limit > 0 && p.Window > 0 {
			report.RateLimitedActions = append(report.RateLimitedActions, action)
		} else {
			report.UnlimitedActions = append(report.UnlimitedActions, action)
		}
	}
	return report
}
