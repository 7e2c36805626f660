package authflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authflow/refresh"
)

// Config is the complete engine configuration. Start from [DefaultConfig]
// and override what differs.
type Config struct {
	Token      TokenConfig
	Session    SessionConfig
	Codes      CodeConfig
	Stages     StageConfig
	TOTP       TOTPConfig
	Password   PasswordConfig
	RateLimits RateLimitConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// ValidationMode selects how access tokens are checked.
type ValidationMode int

const (
	// ModeStateless verifies the access token signature and expiry only. A
	// revoked session's access token stays valid until it expires.
	ModeStateless ValidationMode = iota
	// ModeStateful additionally looks the session up on every validation, so
	// revocation takes effect immediately.
	ModeStateful
)

func (m ValidationMode) String() string {
	switch m {
	case ModeStateless:
		return "stateless"
	case ModeStateful:
		return "stateful"
	default:
		return fmt.Sprintf("ValidationMode(%d)", int(m))
	}
}

// TokenConfig controls access and refresh tokens.
type TokenConfig struct {
	AccessTTL time.Duration
	// RefreshTTL is the sliding refresh lifetime, extended on every rotation.
	RefreshTTL time.Duration
	// AbsoluteTTL caps a session's lifetime from login regardless of
	// rotation. Zero disables the cap.
	AbsoluteTTL time.Duration

	RotateRefreshTokens bool
	ValidationMode      ValidationMode

	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	KeyID         string
	Issuer        string
	Audience      string
	Leeway        time.Duration

	// RefreshKey authenticates refresh tokens (HMAC-SHA256, >= 32 bytes).
	// PreviousRefreshKeys are still accepted for verification.
	RefreshKey          []byte
	PreviousRefreshKeys [][]byte
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig sets the Redis key namespaces.
type SessionConfig struct {
	RedisPrefix     string
	ChallengePrefix string
	FlowPrefix      string
	TOTPPrefix      string
}

/*
====================================
CODE CONFIG
====================================
*/

// CodeAlphabet selects the symbols challenge codes are drawn from.
type CodeAlphabet string

const (
	AlphabetDigits       CodeAlphabet = "digits"
	AlphabetAlphanumeric CodeAlphabet = "alphanumeric"
)

// CodeConfig controls challenge codes and the flows awaiting them.
type CodeConfig struct {
	Length      int
	Alphabet    CodeAlphabet
	TTL         time.Duration
	MaxAttempts int
	// TombstoneRetention keeps spent or expired codes around so late
	// submissions are told apart from unknown ones.
	TombstoneRetention time.Duration
	// FlowTTL bounds how long a multi-stage flow may stay pending.
	FlowTTL time.Duration
}

/*
====================================
STAGE CONFIG
====================================
*/

// StageConfig orders the stages that follow a successful password check,
// and for Signup the stages a new account passes before its first tokens.
// Stages that do not apply to the user are skipped.
type StageConfig struct {
	Login  []string
	Signup []string
}

/*
====================================
TOTP CONFIG
====================================
*/

type TOTPConfig struct {
	Digits      int
	Period      uint
	Skew        uint
	MaxAttempts int
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds Argon2id parameters for new hashes and the length
// policy for new passwords. Stored bcrypt hashes keep verifying.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	BcryptCost  int

	MinLength      int
	MaxLength      int
	UpgradeOnLogin bool
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitPolicy allows Limit hits per Window. A zero policy disables
// limiting for the action.
type RateLimitPolicy struct {
	Limit  int
	Window time.Duration
}

// RateLimitConfig configures the built-in limiter. It is ignored when a
// custom [RateLimiter] is supplied to the builder.
type RateLimitConfig struct {
	RedisPrefix string
	// InProcess keeps the counters in memory instead of Redis. Only correct
	// for a single engine instance.
	InProcess bool
	Policies  map[string]RateLimitPolicy
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the baseline configuration. Keys must still be set.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:           5 * time.Minute,
			RefreshTTL:          7 * 24 * time.Hour,
			AbsoluteTTL:         30 * 24 * time.Hour,
			RotateRefreshTokens: true,
			ValidationMode:      ModeStateful,
			SigningMethod:       "ed25519",
			Leeway:              30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix:     "as",
			ChallengePrefix: "acc",
			FlowPrefix:      "afl",
			TOTPPrefix:      "atp",
		},
		Codes: CodeConfig{
			Length:             6,
			Alphabet:           AlphabetDigits,
			TTL:                15 * time.Minute,
			MaxAttempts:        3,
			TombstoneRetention: time.Hour,
			FlowTTL:            15 * time.Minute,
		},
		Stages: StageConfig{
			Login:  []string{StageVerifyEmail, StageMFAAuthenticate},
			Signup: []string{StageVerifyEmail},
		},
		TOTP: TOTPConfig{
			Digits:      6,
			Period:      30,
			Skew:        1,
			MaxAttempts: 5,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			BcryptCost:     12,
			MinLength:      10,
			MaxLength:      1024,
			UpgradeOnLogin: true,
		},
		RateLimits: RateLimitConfig{
			RedisPrefix: "arl",
			Policies: map[string]RateLimitPolicy{
				ActionLogin:                {Limit: 10, Window: 15 * time.Minute},
				ActionRequestLoginCode:     {Limit: 3, Window: 15 * time.Minute},
				ActionResetPassword:        {Limit: 3, Window: 15 * time.Minute},
				ActionResetPasswordFromKey: {Limit: 5, Window: 15 * time.Minute},
				ActionVerifyEmail:          {Limit: 3, Window: 15 * time.Minute},
				ActionRefresh:              {Limit: 60, Window: time.Minute},
				ActionChangePassword:       {Limit: 5, Window: 15 * time.Minute},
				ActionReauthenticate:       {Limit: 10, Window: 15 * time.Minute},
			},
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func validateStages(name string, stages []string) error {
	seen := make(map[string]struct{}, len(stages))
	for _, stage := range stages {
		switch stage {
		case StageVerifyEmail, StageMFAAuthenticate:
		default:
			return fmt.Errorf("Stages %s contains unknown stage %q", name, stage)
		}
		if _, dup := seen[stage]; dup {
			return fmt.Errorf("Stages %s lists %q twice", name, stage)
		}
		seen[stage] = struct{}{}
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.PrivateKey = cloneBytes(cfg.Token.PrivateKey)
	out.Token.PublicKey = cloneBytes(cfg.Token.PublicKey)
	out.Token.RefreshKey = cloneBytes(cfg.Token.RefreshKey)
	if cfg.Token.PreviousRefreshKeys != nil {
		out.Token.PreviousRefreshKeys = make([][]byte, len(cfg.Token.PreviousRefreshKeys))
		for i, k := range cfg.Token.PreviousRefreshKeys {
			out.Token.PreviousRefreshKeys[i] = cloneBytes(k)
		}
	}
	out.Stages.Login = append([]string(nil), cfg.Stages.Login...)
	out.Stages.Signup = append([]string(nil), cfg.Stages.Signup...)
	if cfg.RateLimits.Policies != nil {
		out.RateLimits.Policies = make(map[string]RateLimitPolicy, len(cfg.RateLimits.Policies))
		for k, v := range cfg.RateLimits.Policies {
			out.RateLimits.Policies[k] = v
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting, wrapped in [ErrInvalidConfig].
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) validate() error {
	// Token
	if c.Token.AccessTTL <= 0 {
		return errors.New("Token AccessTTL must be > 0")
	}
	if c.Token.RefreshTTL <= c.Token.AccessTTL {
		return errors.New("Token RefreshTTL must be > AccessTTL")
	}
	if c.Token.AbsoluteTTL < 0 {
		return errors.New("Token AbsoluteTTL must be >= 0")
	}
	if c.Token.AbsoluteTTL > 0 && c.Token.AbsoluteTTL < c.Token.RefreshTTL {
		return errors.New("Token AbsoluteTTL must be >= RefreshTTL when set")
	}
	switch c.Token.ValidationMode {
	case ModeStateless, ModeStateful:
	default:
		return errors.New("Token ValidationMode is invalid")
	}
	switch c.Token.SigningMethod {
	case "ed25519":
		if len(c.Token.PrivateKey) == 0 || len(c.Token.PublicKey) == 0 {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	case "hs256":
		if len(c.Token.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported Token SigningMethod")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("Token Leeway must be between 0 and 2m")
	}
	if len(c.Token.RefreshKey) < refresh.MinKeySize {
		return fmt.Errorf("Token RefreshKey must be at least %d bytes", refresh.MinKeySize)
	}
	for _, k := range c.Token.PreviousRefreshKeys {
		if len(k) < refresh.MinKeySize {
			return fmt.Errorf("Token PreviousRefreshKeys entries must be at least %d bytes", refresh.MinKeySize)
		}
	}

	// Session
	if c.Session.RedisPrefix == "" || c.Session.ChallengePrefix == "" ||
		c.Session.FlowPrefix == "" || c.Session.TOTPPrefix == "" {
		return errors.New("Session key prefixes must not be empty")
	}

	// Codes
	switch c.Codes.Alphabet {
	case AlphabetDigits:
		if c.Codes.Length < 6 || c.Codes.Length > 10 {
			return errors.New("Codes Length must be between 6 and 10 for digit codes")
		}
	case AlphabetAlphanumeric:
		if c.Codes.Length < 6 || c.Codes.Length > 16 {
			return errors.New("Codes Length must be between 6 and 16 for alphanumeric codes")
		}
	default:
		return errors.New("Codes Alphabet is invalid")
	}
	if c.Codes.TTL <= 0 || c.Codes.TTL > time.Hour {
		return errors.New("Codes TTL must be > 0 and <= 1h")
	}
	if c.Codes.MaxAttempts < 1 || c.Codes.MaxAttempts > 10 {
		return errors.New("Codes MaxAttempts must be between 1 and 10")
	}
	if c.Codes.TombstoneRetention < 0 {
		return errors.New("Codes TombstoneRetention must be >= 0")
	}
	if c.Codes.FlowTTL < c.Codes.TTL {
		return errors.New("Codes FlowTTL must be >= Codes TTL")
	}

	// Stages
	if err := validateStages("Login", c.Stages.Login); err != nil {
		return err
	}
	if err := validateStages("Signup", c.Stages.Signup); err != nil {
		return err
	}

	// TOTP
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period == 0 {
		return errors.New("TOTP Period must be > 0")
	}
	if c.TOTP.Skew > 3 {
		return errors.New("TOTP Skew must be <= 3")
	}
	if c.TOTP.MaxAttempts < 1 {
		return errors.New("TOTP MaxAttempts must be >= 1")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 10 {
		return errors.New("Password MinLength must be >= 10")
	}
	if c.Password.MaxLength < c.Password.MinLength {
		return errors.New("Password MaxLength must be >= MinLength")
	}

	// Rate limits
	for action, p := range c.RateLimits.Policies {
		if p.Limit < 0 || p.Window < 0 {
			return fmt.Errorf("RateLimits policy %q must not be negative", action)
		}
		if (p.Limit == 0) != (p.Window == 0) {
			return fmt.Errorf("RateLimits policy %q needs both Limit and Window", action)
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	return nil
}
