// Package chain describes the medical records contract as seen by this
// module: record pointers, consents, administrative state and the events
// used to rebuild history.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/jmcleod/medseal/accesskey"
)

var (
	// ErrRecordNotFound is returned for ids with no record.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordRevoked is returned when a revoked record is read for access.
	ErrRecordRevoked = errors.New("record revoked")
	// ErrPaused is returned by writes while the contract is paused.
	ErrPaused = errors.New("contract paused")
	// ErrNotPaused is returned by Unpause on a running contract.
	ErrNotPaused = errors.New("contract not paused")
	// ErrNothingToWithdraw is returned by Withdraw on an empty balance.
	ErrNothingToWithdraw = errors.New("contract balance is zero")
	// ErrUnauthorized is returned when the sender lacks the required role.
	ErrUnauthorized = errors.New("caller not authorized")
	// ErrNonceUsed is returned when a consent nonce was already registered.
	ErrNonceUsed = errors.New("consent nonce already used")
	// ErrConsentRejected is returned when the contract refuses a consent.
	ErrConsentRejected = errors.New("consent rejected")
	// ErrReverted is returned for contract reverts with no more specific
	// sentinel.
	ErrReverted = errors.New("contract reverted")
	// ErrEventUnsupported is returned when the contract does not emit the
	// requested event kind.
	ErrEventUnsupported = errors.New("event not supported by contract")
)

// Consent is the on-chain consent tuple.
type Consent = accesskey.Consent

// Record is the on-chain pointer to an encrypted metadata envelope.
type Record struct {
	ID        *big.Int
	Owner     common.Address
	CIDMeta   string
	MetaHash  [32]byte
	Timestamp uint64
	Revoked   bool
}

// Exists reports whether r refers to a created record.
func (r *Record) Exists() bool {
	return r != nil && r.Owner != (common.Address{})
}

// Registry is the record and consent surface of the contract. Writes are
// sent from the account the implementation was built with.
type Registry interface {
	accesskey.ConsentLookup

	CreateRecord(ctx context.Context, owner common.Address, cidMeta string, metaHash [32]byte) (*big.Int, error)
	GetRecord(ctx context.Context, id *big.Int) (*Record, error)
	GrantConsent(ctx context.Context, m accesskey.ConsentMessage, signature []byte) error
	RecordIDsByOwner(ctx context.Context, owner common.Address, fromBlock uint64) ([]*big.Int, error)
}

// Status is the administrative view of the contract.
type Status struct {
	Caller            common.Address `json:"caller"`
	IsAdmin           bool           `json:"isAdmin"`
	AdminAddress      common.Address `json:"adminAddress"`
	Paused            bool           `json:"paused"`
	Balance           *big.Int       `json:"balance"`
	TotalPayments     *big.Int       `json:"totalPayments"`
	RecordCreationFee *big.Int       `json:"recordCreationFee"`
}

// CanWithdraw reports whether the caller may withdraw a non-zero balance.
func (s Status) CanWithdraw() bool {
	return s.IsAdmin && s.Balance != nil && s.Balance.Sign() > 0
}

// Admin is the administrative surface of the contract. Its access rules are
// enforced by the contract.
type Admin interface {
	Status(ctx context.Context) (Status, error)
	Pause(ctx context.Context) error
	Unpause(ctx context.Context) error
	Withdraw(ctx context.Context) (*big.Int, error)
}

// EventSource returns raw contract events of one kind.
type EventSource interface {
	Events(ctx context.Context, kind EventKind, fromBlock uint64) ([]RawEvent, error)
}
