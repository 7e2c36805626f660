package authflow

import (
	"errors"
	"log/slog"
	"time"

	internalaudit "github.com/MrEthical07/authflow/internal/audit"
	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/internal/rate"
	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/password"
	"github.com/MrEthical07/authflow/refresh"
	"github.com/MrEthical07/authflow/session"
	"github.com/redis/go-redis/v9"
)

// dummyPassword is hashed once at build time. Logins for unknown identifiers
// verify against that hash so both paths cost the same.
const dummyPassword = "authflow-dummy-password"

// Builder assembles an [Engine]. A Builder can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	sessions     SessionStore
	userProvider UserProvider
	codeSender   CodeSender
	rateLimiter  RateLimiter
	claims       ClaimsFunc
	auditSink    AuditSink
	logger       *slog.Logger

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client used for challenge codes, pending flows, TOTP
// replay markers, the default session store and the default rate limiter.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithSessionStore replaces the Redis session store, for example with
// pgstore.Store.
func (b *Builder) WithSessionStore(store SessionStore) *Builder {
	b.sessions = store
	return b
}

func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

func (b *Builder) WithCodeSender(sender CodeSender) *Builder {
	b.codeSender = sender
	return b
}

// WithRateLimiter replaces the Redis fixed-window limiter built from
// Config.RateLimits.
func (b *Builder) WithRateLimiter(limiter RateLimiter) *Builder {
	b.rateLimiter = limiter
	return b
}

// WithClaims installs the extra-claims hook.
func (b *Builder) WithClaims(fn ClaimsFunc) *Builder {
	b.claims = fn
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the logger for non-fatal side failures. Defaults to
// slog.Default().
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}
	if b.codeSender == nil {
		return nil, errors.New("code sender required")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := &Engine{
		config:     cfg,
		logger:     logger,
		users:      b.userProvider,
		sender:     b.codeSender,
		claims:     b.claims,
		now:        time.Now,
		totpReplay: stores.NewTOTPReplayStore(b.redis, cfg.Session.TOTPPrefix),
		metrics:    newMetrics(cfg.Metrics),
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
			Logger:     logger,
		}, b.auditSink),
	}

	clock := func() time.Time { return engine.now() }
	engine.challenges = stores.NewChallengeStore(b.redis, cfg.Session.ChallengePrefix, cfg.Codes.TombstoneRetention).WithClock(clock)
	engine.pending = stores.NewPendingStore(b.redis, cfg.Session.FlowPrefix).WithClock(clock)

	// -------- SESSIONS --------
	engine.sessions = b.sessions
	if engine.sessions == nil {
		engine.sessions = session.NewStore(b.redis, cfg.Session.RedisPrefix)
	}

	// -------- RATE LIMITS --------
	engine.limiter = b.rateLimiter
	if engine.limiter == nil {
		policies := make(map[string]rate.Policy, len(cfg.RateLimits.Policies))
		for action, p := range cfg.RateLimits.Policies {
			policies[action] = rate.Policy{Limit: p.Limit, Window: p.Window}
		}
		if cfg.RateLimits.InProcess {
			engine.limiter = rate.NewLocal(policies)
		} else {
			engine.limiter = rate.New(b.redis, cfg.RateLimits.RedisPrefix, policies)
		}
	}

	// -------- PASSWORDS --------
	argon, err := password.NewArgon2(password.Config{
		Memory:           cfg.Password.Memory,
		Time:             cfg.Password.Time,
		Parallelism:      cfg.Password.Parallelism,
		SaltLength:       cfg.Password.SaltLength,
		KeyLength:        cfg.Password.KeyLength,
		MaxPasswordBytes: cfg.Password.MaxLength,
	})
	if err != nil {
		return nil, err
	}
	legacy, err := password.NewBcrypt(cfg.Password.BcryptCost)
	if err != nil {
		return nil, err
	}
	engine.passwords = password.NewHasher(argon, legacy)
	engine.dummyHash, err = engine.passwords.Hash(dummyPassword)
	if err != nil {
		return nil, err
	}

	// -------- TOKENS --------
	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.Token.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.Token.SigningMethod),
		PrivateKey:    cloneBytes(cfg.Token.PrivateKey),
		PublicKey:     cloneBytes(cfg.Token.PublicKey),
		KeyID:         cfg.Token.KeyID,
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		Leeway:        cfg.Token.Leeway,
		RequireIAT:    true,
		Now:           clock,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	codec, err := refresh.NewCodec(cfg.Token.RefreshKey, cfg.Token.PreviousRefreshKeys...)
	if err != nil {
		return nil, err
	}
	engine.refreshCodec = codec

	// -------- FLOWS --------
	engine.flow = flows.New(engine.buildFlowDeps())
	engine.stages = flows.NewStageController(flows.StageDeps{
		Pending:    engine.pending,
		Now:        clock,
		FlowTTL:    cfg.Codes.FlowTTL,
		Applicable: engine.stageApplicable,
		Prepare:    engine.prepareStage,
	})
	engine.loginCode = flows.NewVerificationProcess[*FlowResult](
		engine.codeDeps(stores.PurposeLoginByCode, StageLoginByCode),
		loginCodeCapability{engine: engine},
	)
	engine.emailVerification = flows.NewVerificationProcess[*FlowResult](
		engine.codeDeps(stores.PurposeVerifyEmail, StageVerifyEmail),
		emailVerificationCapability{engine: engine},
	)
	engine.resetCode = flows.NewVerificationProcess[*PendingFlow](
		engine.codeDeps(stores.PurposeResetPassword, StageResetPassword),
		resetCodeCapability{engine: engine},
	)

	b.built = true

	return engine, nil
}
