package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the access-token signature algorithm.
type SigningMethod string

const (
	// MethodEd25519 signs with EdDSA over Ed25519.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with HMAC-SHA256.
	MethodHS256 SigningMethod = "hs256"
)

const (
	maxLeeway           = 2 * time.Minute
	defaultMaxFutureIAT = 10 * time.Minute
	minHMACKeyBytes     = 32
)

var (
	// ErrMalformed is returned for tokens that cannot be parsed or carry
	// claims this manager does not accept.
	ErrMalformed = errors.New("access token malformed")
	// ErrSignatureInvalid is returned when the signature or key id does not verify.
	ErrSignatureInvalid = errors.New("access token signature invalid")
	// ErrExpired is returned for well-formed, correctly signed but expired tokens.
	ErrExpired = errors.New("access token expired")
	// ErrVerifyOnly is returned by CreateAccess on a manager built without a
	// private key.
	ErrVerifyOnly = errors.New("access token manager has no signing key")

	errMissingKID = errors.New("missing kid")
	errUnknownKID = errors.New("unknown kid")
)

// Config configures a [Manager]. For hs256, PrivateKey is the shared
// secret and PublicKey is ignored.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
	// KeyID is written to the kid header and, without VerifyKeys, required
	// on every parsed token.
	KeyID string
	// VerifyKeys, when set, selects the verification key by kid.
	VerifyKeys map[string][]byte
	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager issues and verifies self-contained access tokens. Keys are
// decoded once, at construction.
type Manager struct {
	ttl          time.Duration
	issuer       string
	audience     string
	kid          string
	maxFutureIAT time.Duration
	now          func() time.Time

	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	byKID     map[string]any
	parser    *jwt.Parser
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.AccessTTL <= 0:
		return nil, errors.New("invalid TTL configuration")
	case cfg.Leeway < 0 || cfg.Leeway > maxLeeway:
		return nil, errors.New("invalid leeway configuration")
	case cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour:
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}

	m := &Manager{
		ttl:          cfg.AccessTTL,
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		kid:          strings.TrimSpace(cfg.KeyID),
		maxFutureIAT: cfg.MaxFutureIAT,
		now:          cfg.Now,
	}
	if m.maxFutureIAT == 0 {
		m.maxFutureIAT = defaultMaxFutureIAT
	}
	if m.now == nil {
		m.now = time.Now
	}

	if err := m.loadKeys(cfg); err != nil {
		return nil, err
	}
	if m.kid != "" && m.byKID != nil {
		if _, ok := m.byKID[m.kid]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.RequireIAT {
		opts = append(opts, jwt.WithIssuedAt())
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	m.parser = jwt.NewParser(opts...)

	return m, nil
}

// loadKeys decodes the signing key, the default verification key and the
// kid-indexed verification keys for the configured method.
func (m *Manager) loadKeys(cfg Config) error {
	var decode func([]byte) (any, error)

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < minHMACKeyBytes {
			return fmt.Errorf("hs256 requires a key of at least %d bytes", minHMACKeyBytes)
		}
		m.method = jwt.SigningMethodHS256
		m.signKey = cfg.PrivateKey
		m.verifyKey = cfg.PrivateKey
		decode = func(key []byte) (any, error) {
			if len(key) < minHMACKeyBytes {
				return nil, fmt.Errorf("hs256 verify key shorter than %d bytes", minHMACKeyBytes)
			}
			return key, nil
		}
	case MethodEd25519:
		m.method = jwt.SigningMethodEdDSA
		if len(cfg.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(cfg.PrivateKey)
			if err != nil {
				return err
			}
			m.signKey = priv
		}
		if len(cfg.PublicKey) > 0 {
			pub, err := parseEdPublicKey(cfg.PublicKey)
			if err != nil {
				return err
			}
			m.verifyKey = pub
		}
		if m.verifyKey == nil && len(cfg.VerifyKeys) == 0 {
			return errors.New("ed25519 requires public key or verify key set")
		}
		decode = func(key []byte) (any, error) { return parseEdPublicKey(key) }
	default:
		return errors.New("unsupported signing method")
	}

	if len(cfg.VerifyKeys) == 0 {
		return nil
	}
	m.byKID = make(map[string]any, len(cfg.VerifyKeys))
	for kid, raw := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return errors.New("verify key map contains empty kid")
		}
		key, err := decode(raw)
		if err != nil {
			return fmt.Errorf("invalid verify key for kid %q: %w", kid, err)
		}
		m.byKID[kid] = key
	}
	return nil
}

// TTL returns the configured access-token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// CreateAccess signs an access token for subject bound to session sid.
// Reserved names in extra are dropped.
func (m *Manager) CreateAccess(subject, sid string, extra map[string]any) (string, time.Time, error) {
	if m.signKey == nil {
		return "", time.Time{}, ErrVerifyOnly
	}

	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := AccessClaims{
		SID:   sid,
		Extra: extra,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}

	token := jwt.NewWithClaims(m.method, claims)
	if m.kid != "" {
		token.Header["kid"] = m.kid
	}
	signed, err := token.SignedString(m.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseAccess verifies tokenStr and returns its claims. Errors are one of
// [ErrMalformed], [ErrSignatureInvalid] or [ErrExpired].
func (m *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := m.parser.ParseWithClaims(tokenStr, claims, m.keyFor)
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid || claims.SID == "" || claims.Subject == "" {
		return nil, ErrMalformed
	}
	if claims.IssuedAt != nil && claims.IssuedAt.After(m.now().Add(m.maxFutureIAT)) {
		return nil, ErrMalformed
	}
	return claims, nil
}

// keyFor picks the verification key from the kid header. The algorithm has
// already been pinned by the parser.
func (m *Manager) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)

	if m.byKID != nil {
		if kid == "" {
			return nil, errMissingKID
		}
		key, ok := m.byKID[kid]
		if !ok {
			return nil, errUnknownKID
		}
		return key, nil
	}

	if m.kid != "" {
		if kid == "" {
			return nil, errMissingKID
		}
		if kid != m.kid {
			return nil, errUnknownKID
		}
	}
	if m.verifyKey == nil {
		return nil, errUnknownKID
	}
	return m.verifyKey, nil
}

// classify collapses golang-jwt validation errors into this package's
// closed set. Signature checks run before claim checks, so an expired token
// with a bad signature reports the signature.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// parseEdPrivateKey takes a raw 64-byte key or PKCS#8 PEM.
func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return priv, nil
}

// parseEdPublicKey takes a raw 32-byte key or PKIX PEM.
func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return pub, nil
}
