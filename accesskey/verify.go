package accesskey

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ConsentLookup reads a registered consent from the contract.
type ConsentLookup interface {
	GetConsent(ctx context.Context, recordID *big.Int, doctor common.Address, nonce [32]byte) (*Consent, error)
}

// Reason names why a grant was rejected.
type Reason string

const (
	ReasonWrongRecipient Reason = "wrong recipient"
	ReasonExpired        Reason = "expired"
	ReasonNotFound       Reason = "not found"
	ReasonRevoked        Reason = "revoked"
	ReasonLookupFailed   Reason = "lookup failed"
	ReasonMalformed      Reason = "malformed grant"
)

// Rejection is returned by VerifyGrant for an invalid grant. It unwraps to
// one of the package sentinels.
type Rejection struct {
	Reason Reason
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("grant rejected: %s: %v", r.Reason, r.Err)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// ReasonOf extracts the rejection reason from err, or "".
func ReasonOf(err error) Reason {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}

func reject(reason Reason, err error) error {
	return &Rejection{Reason: reason, Err: err}
}

// Verifier checks grants for one caller. The local checks run before the
// on-chain lookup so obvious failures need no round trip.
type Verifier struct {
	lookup ConsentLookup
	now    func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides time.Now.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier returns a Verifier using lookup for the authoritative check.
func NewVerifier(lookup ConsentLookup, opts ...VerifierOption) *Verifier {
	v := &Verifier{lookup: lookup, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyGrant checks, in order, that g names caller, that it has not
// expired and that a matching unrevoked consent is registered. It returns
// the on-chain consent on success and a *Rejection otherwise.
func (v *Verifier) VerifyGrant(ctx context.Context, g RecordGrant, caller string) (*Consent, error) {
	if !strings.EqualFold(strings.TrimSpace(g.Doctor), strings.TrimSpace(caller)) {
		return nil, reject(ReasonWrongRecipient, ErrWrongRecipient)
	}
	now := v.now().Unix()
	if int64(g.Expiry) <= now {
		return nil, reject(ReasonExpired, fmt.Errorf("%w at %s", ErrGrantExpired, g.Expiry.ISO()))
	}

	m, err := g.Message()
	if err != nil {
		return nil, reject(ReasonMalformed, err)
	}
	consent, err := v.lookup.GetConsent(ctx, m.RecordID, m.Doctor, m.Nonce)
	if err != nil {
		return nil, reject(ReasonLookupFailed, fmt.Errorf("%w: %w", ErrGrantRevokedOrMissing, err))
	}
	if !consent.Registered() || consent.RecordID == nil || consent.RecordID.Cmp(m.RecordID) != 0 {
		return nil, reject(ReasonNotFound, ErrGrantRevokedOrMissing)
	}
	if consent.Revoked {
		return nil, reject(ReasonRevoked, ErrGrantRevokedOrMissing)
	}
	if int64(consent.Expiry) <= now {
		return nil, reject(ReasonExpired, fmt.Errorf("%w on-chain", ErrGrantExpired))
	}
	return consent, nil
}

// GrantResult is the verification outcome for one grant of a bundle.
type GrantResult struct {
	Grant   RecordGrant
	Consent *Consent
	Err     error
}

func (r GrantResult) Valid() bool {
	return r.Err == nil
}

// VerifyBundle verifies every grant in b independently. A bundle addressed
// to someone else fails every grant with ReasonWrongRecipient.
func (v *Verifier) VerifyBundle(ctx context.Context, b *Bundle, caller string) []GrantResult {
	results := make([]GrantResult, 0, len(b.Records))
	wrongBundle := !strings.EqualFold(strings.TrimSpace(b.Doctor), strings.TrimSpace(caller))
	for _, g := range b.Records {
		if wrongBundle {
			results = append(results, GrantResult{Grant: g, Err: reject(ReasonWrongRecipient, ErrWrongRecipient)})
			continue
		}
		consent, err := v.VerifyGrant(ctx, g, caller)
		results = append(results, GrantResult{Grant: g, Consent: consent, Err: err})
	}
	return results
}
