package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

type SessionID [16]byte

const (
	// DigitAlphabet is used for numeric challenge codes.
	DigitAlphabet = "0123456789"
	// CodeAlphabet drops glyphs that are easy to confuse when read aloud or typed (0/O, 1/I).
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

func NewSessionID() (SessionID, error) {
	var sid SessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s SessionID) Bytes() []byte {
	return s[:]
}

func (s SessionID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID

	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return sid, err
	}
	if len(raw) != len(sid) {
		return sid, errors.New("invalid session id size")
	}

	copy(sid[:], raw)
	return sid, nil
}

// NewCode draws length symbols uniformly from alphabet.
func NewCode(alphabet string, length int) (string, error) {
	if length < 4 || length > 16 {
		return "", errors.New("invalid code length")
	}
	if len(alphabet) < 10 {
		return "", errors.New("code alphabet too small")
	}

	var b strings.Builder
	b.Grow(length)

	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}

	return b.String(), nil
}

// NormalizeCode upper-cases a user supplied code and strips the separators
// people tend to type when copying it from an email.
func NormalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(code) {
		switch r {
		case ' ', '-', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func HashCode(code string) [32]byte {
	return sha256.Sum256([]byte(NormalizeCode(code)))
}

// HashIdentity returns a hex digest of a normalized identity so that raw
// emails never appear in Redis key names.
func HashIdentity(identity string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(identity))))
	return hex.EncodeToString(sum[:16])
}
