package accesskey

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const secondsPerDay = 24 * 60 * 60

// Issuer creates signed grants for the patient behind its Signer.
type Issuer struct {
	domain Domain
	signer Signer
	now    func() time.Time
	nonce  func() (string, error)
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithIssuerClock overrides time.Now.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

// WithNonceSource overrides the random nonce generator.
func WithNonceSource(fn func() (string, error)) IssuerOption {
	return func(i *Issuer) {
		i.nonce = fn
	}
}

// NewIssuer returns an Issuer signing under domain.
func NewIssuer(domain Domain, signer Signer, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		domain: domain,
		signer: signer,
		now:    time.Now,
		nonce:  newNonce,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Patient is the address grants are signed by.
func (i *Issuer) Patient() string {
	return i.signer.Address().Hex()
}

// IssueGrant signs a consent for doctor to read recordID for expiryDays.
// Every call draws a new nonce, so re-granting the same pair never reuses a
// signature. The grant is not registered on-chain.
func (i *Issuer) IssueGrant(ctx context.Context, recordID *big.Int, doctor string, expiryDays int) (RecordGrant, error) {
	if recordID == nil || recordID.Sign() < 0 {
		return RecordGrant{}, fmt.Errorf("%w: record id", ErrInvalidGrant)
	}
	if expiryDays <= 0 {
		return RecordGrant{}, fmt.Errorf("%w: expiry days must be positive", ErrInvalidGrant)
	}
	doctorAddr, err := ParseAddress(doctor)
	if err != nil {
		return RecordGrant{}, err
	}
	nonceHex, err := i.nonce()
	if err != nil {
		return RecordGrant{}, fmt.Errorf("generating nonce: %w", err)
	}
	nonce, err := ParseNonce(nonceHex)
	if err != nil {
		return RecordGrant{}, err
	}

	expiry := Timestamp(i.now().Unix() + int64(expiryDays)*secondsPerDay)
	msg := ConsentMessage{
		RecordID: new(big.Int).Set(recordID),
		Doctor:   doctorAddr,
		Expiry:   uint64(expiry),
		Nonce:    nonce,
	}
	sig, err := i.signer.SignTypedData(ctx, i.domain.TypedData(msg))
	if err != nil {
		return RecordGrant{}, fmt.Errorf("signing consent: %w", err)
	}

	return RecordGrant{
		RecordID:   recordID.String(),
		Doctor:     doctor,
		Expiry:     expiry,
		Nonce:      hexutil.Encode(nonce[:]),
		Signature:  hexutil.Encode(sig),
		ExpiryDate: expiry.ISO(),
	}, nil
}
