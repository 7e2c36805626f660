package flows

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/internal"
	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/google/uuid"
)

// ChallengeStore is the code store driven by a VerificationProcess.
type ChallengeStore interface {
	Issue(ctx context.Context, record *stores.ChallengeRecord, subjectKey string) error
	Verify(ctx context.Context, codeID string, presentedHash [32]byte) (*stores.ChallengeRecord, error)
	RecordInvalidAttempt(ctx context.Context, codeID string) (bool, error)
	Peek(ctx context.Context, codeID string) (*stores.ChallengeRecord, error)
}

// PendingStore persists the pending stage of a flow.
type PendingStore interface {
	Put(ctx context.Context, record *stores.PendingRecord) error
	Get(ctx context.Context, flowID string) (*stores.PendingRecord, error)
	Delete(ctx context.Context, flowID string) (bool, error)
	Update(ctx context.Context, flowID string, fn func(*stores.PendingRecord) (*stores.PendingRecord, error)) (*stores.PendingRecord, error)
}

// VerificationContext identifies who a code is for. PrincipalID is empty when
// the identifier did not resolve to an account; such flows get a code that
// can never verify and nothing is dispatched.
type VerificationContext struct {
	// FlowID is filled in once the flow exists; BuildContext leaves it empty.
	FlowID      string
	Kind        string
	PrincipalID string
	Email       string
	State       map[string]string
	// Remaining lists the stages that follow the code stage once it is
	// confirmed.
	Remaining []string
}

func (v VerificationContext) subjectKey() string {
	if v.PrincipalID != "" {
		return internal.HashIdentity(v.PrincipalID)
	}
	return internal.HashIdentity(v.Email)
}

func contextOf(rec *stores.PendingRecord) VerificationContext {
	return VerificationContext{
		FlowID:      rec.FlowID,
		Kind:        rec.Kind,
		PrincipalID: rec.PrincipalID,
		Email:       rec.Email,
		State:       rec.State,
		Remaining:   rec.Remaining,
	}
}

// Capability is what a specialization plugs into the generic process.
//
// ApplyOutcome receives the pending record after the code was consumed and
// owns it from then on: it must advance or delete it.
type Capability[O any] interface {
	BuildContext(ctx context.Context, identifier string) (VerificationContext, error)
	DispatchChallenge(ctx context.Context, vctx VerificationContext, code string, expiresAt time.Time) error
	ApplyOutcome(ctx context.Context, pending *stores.PendingRecord) (O, error)
}

// VerificationDeps configures one VerificationProcess.
type VerificationDeps struct {
	Purpose stores.Purpose
	Stage   string

	Challenges ChallengeStore
	Pending    PendingStore

	NewCode   func() (string, error)
	ValidCode func(string) bool
	NewID     func() string
	Now       func() time.Time
	Warn      func(string, ...any)

	CodeTTL     time.Duration
	FlowTTL     time.Duration
	MaxAttempts int
}

// VerificationProcess runs initiate → awaiting code → confirmed | abandoned
// for one purpose. The pending record is the resumable handle; the challenge
// record holds the attempt budget.
type VerificationProcess[O any] struct {
	deps       VerificationDeps
	capability Capability[O]
}

// NewVerificationProcess wires capability into a process.
func NewVerificationProcess[O any](deps VerificationDeps, capability Capability[O]) *VerificationProcess[O] {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Warn == nil {
		deps.Warn = func(string, ...any) {}
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 3
	}
	return &VerificationProcess[O]{deps: deps, capability: capability}
}

// Stage returns the stage key the process serves.
func (p *VerificationProcess[O]) Stage() string {
	return p.deps.Stage
}

// Initiate resolves identifier, issues a code and persists a new flow at the
// process stage.
func (p *VerificationProcess[O]) Initiate(ctx context.Context, identifier string) (*stores.PendingRecord, error) {
	vctx, err := p.capability.BuildContext(ctx, identifier)
	if err != nil {
		return nil, err
	}

	now := p.deps.Now()
	rec := &stores.PendingRecord{
		FlowID:      p.deps.NewID(),
		Kind:        vctx.Kind,
		Stage:       p.deps.Stage,
		PrincipalID: vctx.PrincipalID,
		Email:       vctx.Email,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(p.deps.FlowTTL).Unix(),
		State:       vctx.State,
		Remaining:   append([]string(nil), vctx.Remaining...),
	}

	dispatch, err := p.Prepare(ctx, rec)
	if err != nil {
		return nil, err
	}
	if err := p.deps.Pending.Put(ctx, rec); err != nil {
		return nil, err
	}
	dispatch()
	return rec, nil
}

// Prepare issues a fresh code for rec and stores its id on rec. The record
// itself is not written. The returned func delivers the code and must run
// only after rec is committed.
func (p *VerificationProcess[O]) Prepare(ctx context.Context, rec *stores.PendingRecord) (func(), error) {
	vctx := contextOf(rec)

	code, err := p.deps.NewCode()
	if err != nil {
		return nil, err
	}

	hash := internal.HashCode(code)
	if vctx.PrincipalID == "" {
		if _, err := rand.Read(hash[:]); err != nil {
			return nil, err
		}
	}

	now := p.deps.Now()
	expiresAt := now.Add(p.deps.CodeTTL)
	challenge := &stores.ChallengeRecord{
		ID:          p.deps.NewID(),
		Purpose:     p.deps.Purpose,
		Subject:     vctx.PrincipalID,
		SecretHash:  hash,
		CreatedAt:   now.Unix(),
		ExpiresAt:   expiresAt.Unix(),
		MaxAttempts: uint16(p.deps.MaxAttempts),
	}
	if err := p.deps.Challenges.Issue(ctx, challenge, vctx.subjectKey()); err != nil {
		return nil, err
	}

	rec.CodeID = challenge.ID
	rec.Attempts = 0

	return func() {
		if vctx.PrincipalID == "" {
			return
		}
		if err := p.capability.DispatchChallenge(ctx, vctx, code, expiresAt); err != nil {
			p.deps.Warn("authflow: code dispatch failed", "flow_id", rec.FlowID, "stage", rec.Stage, "err", err)
		}
	}, nil
}

// Resume returns the live flow, or nil when there is nothing to resume:
// unknown or expired flow, a different pending stage, or a code that can no
// longer succeed.
func (p *VerificationProcess[O]) Resume(ctx context.Context, flowID string) (*stores.PendingRecord, error) {
	rec, err := p.deps.Pending.Get(ctx, flowID)
	if err != nil {
		if errors.Is(err, stores.ErrPendingNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if rec.Stage != p.deps.Stage {
		return nil, nil
	}

	challenge, err := p.deps.Challenges.Peek(ctx, rec.CodeID)
	if err != nil {
		if errors.Is(err, stores.ErrChallengeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if challenge.Consumed || challenge.Exhausted() || p.deps.Now().Unix() >= challenge.ExpiresAt {
		return nil, nil
	}
	return rec, nil
}

// RecordInvalidAttempt charges one attempt to the flow's code without a
// comparison. It reports whether the flow was abandoned as a result.
func (p *VerificationProcess[O]) RecordInvalidAttempt(ctx context.Context, flowID string) (bool, error) {
	rec, err := p.enter(ctx, flowID)
	if err != nil {
		return false, err
	}
	return p.recordInvalid(ctx, rec)
}

// Finish verifies code against the flow and, on success, hands the flow to
// the capability. A mismatch leaves the flow awaiting a code until the
// attempt budget is spent.
func (p *VerificationProcess[O]) Finish(ctx context.Context, flowID, code string) (O, error) {
	var zero O

	rec, err := p.enter(ctx, flowID)
	if err != nil {
		return zero, err
	}

	if p.deps.ValidCode != nil && !p.deps.ValidCode(code) {
		abandoned, err := p.recordInvalid(ctx, rec)
		if err != nil {
			return zero, err
		}
		if abandoned {
			return zero, ErrCodeExhausted
		}
		return zero, ErrCodeMalformed
	}

	challenge, err := p.deps.Challenges.Verify(ctx, rec.CodeID, internal.HashCode(code))
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrChallengeMismatch):
			if challenge != nil && challenge.Exhausted() {
				p.abandon(ctx, rec)
				return zero, ErrCodeExhausted
			}
			return zero, ErrCodeMismatch
		case errors.Is(err, stores.ErrChallengeConsumed):
			// the winner of a concurrent finish owns the flow now
			return zero, ErrCodeConsumed
		case errors.Is(err, stores.ErrChallengeExhausted):
			p.abandon(ctx, rec)
			return zero, ErrCodeExhausted
		case errors.Is(err, stores.ErrChallengeExpired), errors.Is(err, stores.ErrChallengeNotFound):
			p.abandon(ctx, rec)
			return zero, ErrCodeExpired
		default:
			return zero, err
		}
	}

	if rec.PrincipalID == "" || challenge.Subject != rec.PrincipalID {
		return zero, ErrCodeMismatch
	}

	return p.capability.ApplyOutcome(ctx, rec)
}

// Resend replaces the flow's code with a new one and delivers it again.
func (p *VerificationProcess[O]) Resend(ctx context.Context, flowID string) (*stores.PendingRecord, error) {
	rec, err := p.enter(ctx, flowID)
	if err != nil {
		return nil, err
	}

	previous := rec.CodeID
	dispatch, err := p.Prepare(ctx, rec)
	if err != nil {
		return nil, err
	}

	updated, err := p.deps.Pending.Update(ctx, flowID, func(current *stores.PendingRecord) (*stores.PendingRecord, error) {
		if current.Stage != p.deps.Stage {
			return nil, ErrWrongStage
		}
		if current.CodeID != previous {
			return nil, ErrCodeConsumed
		}
		next := *current
		next.CodeID = rec.CodeID
		next.Attempts = 0
		next.Resends = current.Resends + 1
		return &next, nil
	})
	if err != nil {
		if errors.Is(err, stores.ErrPendingNotFound) {
			return nil, ErrNoPendingStage
		}
		return nil, err
	}

	dispatch()
	return updated, nil
}

func (p *VerificationProcess[O]) enter(ctx context.Context, flowID string) (*stores.PendingRecord, error) {
	rec, err := p.deps.Pending.Get(ctx, flowID)
	if err != nil {
		if errors.Is(err, stores.ErrPendingNotFound) {
			return nil, ErrNoPendingStage
		}
		return nil, err
	}
	if rec.Stage != p.deps.Stage {
		return nil, ErrWrongStage
	}
	return rec, nil
}

func (p *VerificationProcess[O]) recordInvalid(ctx context.Context, rec *stores.PendingRecord) (bool, error) {
	exhausted, err := p.deps.Challenges.RecordInvalidAttempt(ctx, rec.CodeID)
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrChallengeConsumed):
			return false, ErrCodeConsumed
		case errors.Is(err, stores.ErrChallengeExpired), errors.Is(err, stores.ErrChallengeNotFound):
			p.abandon(ctx, rec)
			return true, ErrCodeExpired
		default:
			return false, err
		}
	}
	if exhausted {
		p.abandon(ctx, rec)
	}
	return exhausted, nil
}

// abandon drops the flow if it still points at the code that failed. The
// challenge stays behind as a tombstone until its retention elapses.
func (p *VerificationProcess[O]) abandon(ctx context.Context, rec *stores.PendingRecord) {
	_, err := p.deps.Pending.Update(ctx, rec.FlowID, func(current *stores.PendingRecord) (*stores.PendingRecord, error) {
		if current.CodeID != rec.CodeID {
			return nil, errStaleFlow
		}
		return nil, nil
	})
	if err != nil && !errors.Is(err, errStaleFlow) && !errors.Is(err, stores.ErrPendingNotFound) {
		p.deps.Warn("authflow: abandon flow failed", "flow_id", rec.FlowID, "err", err)
	}
}

var errStaleFlow = errors.New("flow moved on")
