package jwt

import (
	"errors"
	"testing"
	"time"
)

func FuzzParseAccess(f *testing.F) {
	m, err := NewManager(Config{
		AccessTTL:     5 * time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "authflow",
		KeyID:         "k1",
		RequireIAT:    true,
	})
	if err != nil {
		f.Fatal(err)
	}
	valid, _, err := m.CreateAccess("u1", "s1", map[string]any{"email": "fuzz@example.com"})
	if err != nil {
		f.Fatal(err)
	}

	for _, seed := range []string{
		valid,
		valid[:len(valid)-2],
		"",
		"a.b.c",
		"eyJhbGciOiJub25lIn0.eyJzaWQiOiJzMSJ9.",
		"eyJhbGciOiJIUzI1NiIsImtpZCI6ImsxIn0.e30.AAAA",
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, input string) {
		claims, err := m.ParseAccess(input)
		if err != nil {
			if !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrSignatureInvalid) && !errors.Is(err, ErrExpired) {
				t.Fatalf("error outside the closed set: %v", err)
			}
			return
		}
		if claims.SID == "" || claims.Subject == "" {
			t.Fatalf("accepted token without session binding: %+v", claims)
		}
	})
}
