// Package envconfig builds an authflow.Config from AUTHFLOW_* environment
// variables and an optional .env file using Viper. Environment variables
// override the file; unset keys keep the DefaultConfig values.
//
// Key material is base64 (standard encoding). List values are comma
// separated; AUTHFLOW_LOGIN_STAGES=none disables the post-password stages
// and AUTHFLOW_SIGNUP_STAGES=none lets new accounts log straight in.
package envconfig

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/authflow"
	"github.com/spf13/viper"
)

// Settings is the loaded configuration plus the backend locations an
// application needs to wire the engine.
type Settings struct {
	Config authflow.Config

	// RedisAddr is host:port of the Redis server.
	RedisAddr string
	// DatabaseURL is the Postgres DSN; only used with SessionBackend "postgres".
	DatabaseURL string
	// SessionBackend is "redis" (default) or "postgres".
	SessionBackend string
}

type env struct {
	RedisAddr      string `mapstructure:"AUTHFLOW_REDIS_ADDR"`
	DatabaseURL    string `mapstructure:"AUTHFLOW_DATABASE_URL"`
	SessionBackend string `mapstructure:"AUTHFLOW_SESSION_BACKEND"`

	AccessTTL           time.Duration `mapstructure:"AUTHFLOW_ACCESS_TTL"`
	RefreshTTL          time.Duration `mapstructure:"AUTHFLOW_REFRESH_TTL"`
	AbsoluteTTL         time.Duration `mapstructure:"AUTHFLOW_ABSOLUTE_TTL"`
	RotateRefreshTokens bool          `mapstructure:"AUTHFLOW_ROTATE_REFRESH_TOKENS"`
	ValidationMode      string        `mapstructure:"AUTHFLOW_VALIDATION_MODE"`
	SigningMethod       string        `mapstructure:"AUTHFLOW_SIGNING_METHOD"`
	PrivateKey          string        `mapstructure:"AUTHFLOW_PRIVATE_KEY"`
	PublicKey           string        `mapstructure:"AUTHFLOW_PUBLIC_KEY"`
	KeyID               string        `mapstructure:"AUTHFLOW_KEY_ID"`
	Issuer              string        `mapstructure:"AUTHFLOW_ISSUER"`
	Audience            string        `mapstructure:"AUTHFLOW_AUDIENCE"`
	RefreshKey          string        `mapstructure:"AUTHFLOW_REFRESH_KEY"`
	PreviousRefreshKeys string        `mapstructure:"AUTHFLOW_PREVIOUS_REFRESH_KEYS"`

	CodeLength      int           `mapstructure:"AUTHFLOW_CODE_LENGTH"`
	CodeAlphabet    string        `mapstructure:"AUTHFLOW_CODE_ALPHABET"`
	CodeTTL         time.Duration `mapstructure:"AUTHFLOW_CODE_TTL"`
	CodeMaxAttempts int           `mapstructure:"AUTHFLOW_CODE_MAX_ATTEMPTS"`
	FlowTTL         time.Duration `mapstructure:"AUTHFLOW_FLOW_TTL"`
	LoginStages     string        `mapstructure:"AUTHFLOW_LOGIN_STAGES"`
	SignupStages    string        `mapstructure:"AUTHFLOW_SIGNUP_STAGES"`

	RedisPrefix        string `mapstructure:"AUTHFLOW_REDIS_PREFIX"`
	RateLimitInProcess bool   `mapstructure:"AUTHFLOW_RATE_LIMIT_IN_PROCESS"`
	AuditEnabled       bool   `mapstructure:"AUTHFLOW_AUDIT_ENABLED"`
	MetricsEnabled     bool   `mapstructure:"AUTHFLOW_METRICS_ENABLED"`
}

// Load reads envFile (".env" when empty; a missing file is ignored), then
// the environment, and returns validated settings.
func Load(envFile string) (*Settings, error) {
	if envFile == "" {
		envFile = ".env"
	}
	def := authflow.DefaultConfig()

	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	v.SetDefault("AUTHFLOW_REDIS_ADDR", "localhost:6379")
	v.SetDefault("AUTHFLOW_DATABASE_URL", "")
	v.SetDefault("AUTHFLOW_SESSION_BACKEND", "redis")
	v.SetDefault("AUTHFLOW_ACCESS_TTL", def.Token.AccessTTL.String())
	v.SetDefault("AUTHFLOW_REFRESH_TTL", def.Token.RefreshTTL.String())
	v.SetDefault("AUTHFLOW_ABSOLUTE_TTL", def.Token.AbsoluteTTL.String())
	v.SetDefault("AUTHFLOW_ROTATE_REFRESH_TOKENS", def.Token.RotateRefreshTokens)
	v.SetDefault("AUTHFLOW_VALIDATION_MODE", def.Token.ValidationMode.String())
	v.SetDefault("AUTHFLOW_SIGNING_METHOD", def.Token.SigningMethod)
	v.SetDefault("AUTHFLOW_PRIVATE_KEY", "")
	v.SetDefault("AUTHFLOW_PUBLIC_KEY", "")
	v.SetDefault("AUTHFLOW_KEY_ID", "")
	v.SetDefault("AUTHFLOW_ISSUER", "")
	v.SetDefault("AUTHFLOW_AUDIENCE", "")
	v.SetDefault("AUTHFLOW_REFRESH_KEY", "")
	v.SetDefault("AUTHFLOW_PREVIOUS_REFRESH_KEYS", "")
	v.SetDefault("AUTHFLOW_CODE_LENGTH", def.Codes.Length)
	v.SetDefault("AUTHFLOW_CODE_ALPHABET", string(def.Codes.Alphabet))
	v.SetDefault("AUTHFLOW_CODE_TTL", def.Codes.TTL.String())
	v.SetDefault("AUTHFLOW_CODE_MAX_ATTEMPTS", def.Codes.MaxAttempts)
	v.SetDefault("AUTHFLOW_FLOW_TTL", def.Codes.FlowTTL.String())
	v.SetDefault("AUTHFLOW_LOGIN_STAGES", strings.Join(def.Stages.Login, ","))
	v.SetDefault("AUTHFLOW_SIGNUP_STAGES", strings.Join(def.Stages.Signup, ","))
	v.SetDefault("AUTHFLOW_REDIS_PREFIX", def.Session.RedisPrefix)
	v.SetDefault("AUTHFLOW_RATE_LIMIT_IN_PROCESS", def.RateLimits.InProcess)
	v.SetDefault("AUTHFLOW_AUDIT_ENABLED", def.Audit.Enabled)
	v.SetDefault("AUTHFLOW_METRICS_ENABLED", def.Metrics.Enabled)

	var e env
	if err := v.Unmarshal(&e); err != nil {
		return nil, fmt.Errorf("envconfig: %w", err)
	}

	cfg, err := e.apply(def)
	if err != nil {
		return nil, fmt.Errorf("envconfig: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch e.SessionBackend {
	case "redis":
	case "postgres":
		if e.DatabaseURL == "" {
			return nil, errors.New("envconfig: AUTHFLOW_DATABASE_URL must be set for the postgres session backend")
		}
	default:
		return nil, fmt.Errorf("envconfig: unknown AUTHFLOW_SESSION_BACKEND %q", e.SessionBackend)
	}

	return &Settings{
		Config:         cfg,
		RedisAddr:      e.RedisAddr,
		DatabaseURL:    e.DatabaseURL,
		SessionBackend: e.SessionBackend,
	}, nil
}

func (e env) apply(cfg authflow.Config) (authflow.Config, error) {
	cfg.Token.AccessTTL = e.AccessTTL
	cfg.Token.RefreshTTL = e.RefreshTTL
	cfg.Token.AbsoluteTTL = e.AbsoluteTTL
	cfg.Token.RotateRefreshTokens = e.RotateRefreshTokens
	cfg.Token.SigningMethod = strings.ToLower(e.SigningMethod)
	cfg.Token.KeyID = e.KeyID
	cfg.Token.Issuer = e.Issuer
	cfg.Token.Audience = e.Audience

	switch strings.ToLower(e.ValidationMode) {
	case "stateless":
		cfg.Token.ValidationMode = authflow.ModeStateless
	case "stateful":
		cfg.Token.ValidationMode = authflow.ModeStateful
	default:
		return cfg, fmt.Errorf("unknown AUTHFLOW_VALIDATION_MODE %q", e.ValidationMode)
	}

	var err error
	if cfg.Token.PrivateKey, err = decodeKey("AUTHFLOW_PRIVATE_KEY", e.PrivateKey); err != nil {
		return cfg, err
	}
	if cfg.Token.PublicKey, err = decodeKey("AUTHFLOW_PUBLIC_KEY", e.PublicKey); err != nil {
		return cfg, err
	}
	if cfg.Token.RefreshKey, err = decodeKey("AUTHFLOW_REFRESH_KEY", e.RefreshKey); err != nil {
		return cfg, err
	}
	for _, item := range splitList(e.PreviousRefreshKeys) {
		key, err := decodeKey("AUTHFLOW_PREVIOUS_REFRESH_KEYS", item)
		if err != nil {
			return cfg, err
		}
		cfg.Token.PreviousRefreshKeys = append(cfg.Token.PreviousRefreshKeys, key)
	}

	cfg.Codes.Length = e.CodeLength
	cfg.Codes.Alphabet = authflow.CodeAlphabet(strings.ToLower(e.CodeAlphabet))
	cfg.Codes.TTL = e.CodeTTL
	cfg.Codes.MaxAttempts = e.CodeMaxAttempts
	cfg.Codes.FlowTTL = e.FlowTTL

	cfg.Stages.Login = stageList(e.LoginStages)
	cfg.Stages.Signup = stageList(e.SignupStages)

	cfg.Session.RedisPrefix = e.RedisPrefix
	cfg.RateLimits.InProcess = e.RateLimitInProcess
	cfg.Audit.Enabled = e.AuditEnabled
	cfg.Metrics.Enabled = e.MetricsEnabled
	return cfg, nil
}

// stageList reads a stage list; "none" is the empty list.
func stageList(value string) []string {
	if strings.EqualFold(strings.TrimSpace(value), "none") {
		return nil
	}
	return splitList(value)
}

func decodeKey(name, value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64: %v", name, err)
	}
	return key, nil
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
