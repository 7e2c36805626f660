package authflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MrEthical07/authflow/internal/flows"
	"github.com/MrEthical07/authflow/internal/stores"
)

func TestPublicMessageDoesNotEnumerate(t *testing.T) {
	codeErrors := []error{ErrMismatch, ErrExpired, ErrAlreadyConsumed, ErrNoPendingStage}
	want := PublicMessage(codeErrors[0])
	for _, err := range codeErrors[1:] {
		if got := PublicMessage(err); got != want {
			t.Fatalf("PublicMessage(%v) = %q, want %q", err, got, want)
		}
	}

	tokenErrors := []error{ErrMalformed, ErrSignatureInvalid, ErrTokenExpired, ErrSessionRevoked, ErrGenerationMismatch}
	want = PublicMessage(tokenErrors[0])
	for _, err := range tokenErrors[1:] {
		if got := PublicMessage(err); got != want {
			t.Fatalf("PublicMessage(%v) = %q, want %q", err, got, want)
		}
	}

	backend := errors.Join(ErrBackendUnavailable, errors.New("dial tcp: refused"))
	if got := PublicMessage(backend); got != "service unavailable" {
		t.Fatalf("backend detail leaked: %q", got)
	}
	if PublicMessage(nil) != "" {
		t.Fatal("nil error must have no message")
	}
}

func TestIsConflict(t *testing.T) {
	if !IsConflict(ErrWrongStage) || !IsConflict(fmt.Errorf("wrap: %w", ErrNoPendingStage)) {
		t.Fatal("stage errors must be conflicts")
	}
	if IsConflict(ErrMismatch) || IsConflict(nil) {
		t.Fatal("code errors are not conflicts")
	}
}

func TestMapFlowError(t *testing.T) {
	tests := []struct {
		in   error
		want error
	}{
		{flows.ErrCodeMismatch, ErrMismatch},
		{flows.ErrCodeMalformed, ErrMismatch},
		{flows.ErrCodeExpired, ErrExpired},
		{flows.ErrCodeExhausted, ErrAttemptsExhausted},
		{flows.ErrCodeConsumed, ErrAlreadyConsumed},
		{flows.ErrNoPendingStage, ErrNoPendingStage},
		{flows.ErrWrongStage, ErrWrongStage},
		{stores.ErrPendingConflict, ErrWrongStage},
		{ErrRateLimited, ErrRateLimited},
		{errors.New("boom"), ErrBackendUnavailable},
	}
	for _, tt := range tests {
		if got := mapFlowError(tt.in); !errors.Is(got, tt.want) {
			t.Fatalf("mapFlowError(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if mapFlowError(nil) != nil {
		t.Fatal("nil must map to nil")
	}
}
