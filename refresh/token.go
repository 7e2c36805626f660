package refresh

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"

	"github.com/MrEthical07/authflow/internal"
)

const (
	sessionIDSize = 16
	generationLen = 8
	tagSize       = sha256.Size
	tokenRawSize  = sessionIDSize + generationLen + tagSize

	// MinKeySize is the shortest accepted MAC key.
	MinKeySize = 32
)

var (
	// ErrMalformed is returned for tokens that cannot be decoded.
	ErrMalformed = errors.New("refresh token malformed")
	// ErrInvalidTag is returned when the token was not minted with this key.
	ErrInvalidTag = errors.New("refresh token tag invalid")
	// ErrWeakKey is returned by NewCodec for keys shorter than MinKeySize.
	ErrWeakKey = errors.New("refresh token key too short")
)

// Token is the decoded content of a refresh token.
type Token struct {
	SessionID  string
	Generation uint64
}

// Codec mints and authenticates refresh tokens with a single HMAC key.
// Additional verify-only keys allow key rotation without logging users out.
type Codec struct {
	key        []byte
	verifyKeys [][]byte
}

// NewCodec returns a Codec signing with key. previous keys are accepted on
// Decode only.
func NewCodec(key []byte, previous ...[]byte) (*Codec, error) {
	if len(key) < MinKeySize {
		return nil, ErrWeakKey
	}
	c := &Codec{key: append([]byte(nil), key...)}
	c.verifyKeys = append(c.verifyKeys, c.key)
	for _, k := range previous {
		if len(k) < MinKeySize {
			return nil, ErrWeakKey
		}
		c.verifyKeys = append(c.verifyKeys, append([]byte(nil), k...))
	}
	return c, nil
}

// Encode mints the refresh token for sessionID at generation.
func (c *Codec) Encode(sessionID string, generation uint64) (string, error) {
	sid, err := internal.ParseSessionID(sessionID)
	if err != nil {
		return "", ErrMalformed
	}

	var raw [tokenRawSize]byte
	copy(raw[:sessionIDSize], sid[:])
	binary.BigEndian.PutUint64(raw[sessionIDSize:sessionIDSize+generationLen], generation)
	copy(raw[sessionIDSize+generationLen:], tag(c.key, raw[:sessionIDSize+generationLen]))

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// Decode parses token and checks its tag.
func (c *Codec) Decode(token string) (Token, error) {
	if len(token) != base64.RawURLEncoding.EncodedLen(tokenRawSize) {
		return Token{}, ErrMalformed
	}
	raw, err := base64.RawURLEncoding.Strict().DecodeString(token)
	if err != nil || len(raw) != tokenRawSize {
		return Token{}, ErrMalformed
	}

	body := raw[:sessionIDSize+generationLen]
	presented := raw[sessionIDSize+generationLen:]

	valid := false
	for _, k := range c.verifyKeys {
		if hmac.Equal(presented, tag(k, body)) {
			valid = true
			break
		}
	}
	if !valid {
		return Token{}, ErrInvalidTag
	}

	var sid internal.SessionID
	copy(sid[:], raw[:sessionIDSize])

	return Token{
		SessionID:  sid.String(),
		Generation: binary.BigEndian.Uint64(body[sessionIDSize:]),
	}, nil
}

func tag(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}
