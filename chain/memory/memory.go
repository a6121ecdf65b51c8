// Package memory simulates the medical records contract in process. It
// enforces the same rules the deployed contract does for the calls this
// module makes and is used by tests and the server's dev mode.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/jmcleod/medseal/accesskey"
	"github.com/jmcleod/medseal/chain"
)

type consentKey struct {
	recordID string
	doctor   common.Address
	nonce    [32]byte
}

// Contract holds the simulated contract state shared by all sessions.
type Contract struct {
	mu sync.RWMutex

	domain       accesskey.Domain
	admin        common.Address
	now          func() time.Time
	consentEvent chain.EventKind
	fee          *big.Int

	nextID        uint64
	records       map[string]*chain.Record
	consents      map[consentKey]*chain.Consent
	usedNonces    map[[32]byte]bool
	paused        bool
	balance       *big.Int
	totalPayments *big.Int
	block         uint64
	events        []chain.RawEvent
}

// Option configures a Contract.
type Option func(*Contract)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Contract) {
		c.now = now
	}
}

// WithRecordFee charges fee for every created record.
func WithRecordFee(fee *big.Int) Option {
	return func(c *Contract) {
		c.fee = new(big.Int).Set(fee)
	}
}

// WithConsentEvent selects the consent event kind the contract emits.
// Older deployments emitted ConsentKeyGenerated.
func WithConsentEvent(kind chain.EventKind) Option {
	return func(c *Contract) {
		c.consentEvent = kind
	}
}

// NewContract returns an empty contract administered by admin whose
// consents are signed under domain.
func NewContract(domain accesskey.Domain, admin common.Address, opts ...Option) *Contract {
	c := &Contract{
		domain:        domain,
		admin:         admin,
		now:           time.Now,
		consentEvent:  chain.EventConsentGranted,
		fee:           new(big.Int),
		nextID:        1,
		records:       make(map[string]*chain.Record),
		consents:      make(map[consentKey]*chain.Consent),
		usedNonces:    make(map[[32]byte]bool),
		balance:       new(big.Int),
		totalPayments: new(big.Int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Domain returns the signing domain.
func (c *Contract) Domain() accesskey.Domain {
	return c.domain
}

// Session binds c to a sending account.
func (c *Contract) Session(sender common.Address) *Session {
	return &Session{c: c, sender: sender}
}

func (c *Contract) emitLocked(kind chain.EventKind, args map[string]any) {
	c.block++
	var seed [16]byte
	big.NewInt(int64(c.block)).FillBytes(seed[8:])
	copy(seed[:8], string(kind))
	c.events = append(c.events, chain.RawEvent{
		Kind:        kind,
		Args:        args,
		BlockNumber: c.block,
		TxHash:      crypto.Keccak256Hash(seed[:]),
	})
}

func cloneRecord(r *chain.Record) *chain.Record {
	cp := *r
	cp.ID = new(big.Int).Set(r.ID)
	return &cp
}

func cloneConsent(cn *chain.Consent) *chain.Consent {
	cp := *cn
	cp.RecordID = new(big.Int).Set(cn.RecordID)
	return &cp
}

// Session is a view of the contract from one account. It implements
// chain.Registry, chain.Admin and chain.EventSource.
type Session struct {
	c      *Contract
	sender common.Address
}

var (
	_ chain.Registry    = (*Session)(nil)
	_ chain.Admin       = (*Session)(nil)
	_ chain.EventSource = (*Session)(nil)
)

// Sender returns the account the session sends from.
func (s *Session) Sender() common.Address {
	return s.sender
}

func (s *Session) CreateRecord(ctx context.Context, owner common.Address, cidMeta string, metaHash [32]byte) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return nil, chain.ErrPaused
	}
	if owner != s.sender {
		return nil, fmt.Errorf("%w: records are created by their owner", chain.ErrUnauthorized)
	}
	if cidMeta == "" {
		return nil, errors.New("empty cid")
	}

	id := new(big.Int).SetUint64(c.nextID)
	c.nextID++
	ts := uint64(c.now().Unix())
	c.records[id.String()] = &chain.Record{
		ID:        id,
		Owner:     owner,
		CIDMeta:   cidMeta,
		MetaHash:  metaHash,
		Timestamp: ts,
	}
	if c.fee.Sign() > 0 {
		c.balance.Add(c.balance, c.fee)
		c.totalPayments.Add(c.totalPayments, c.fee)
		c.emitLocked(chain.EventPaymentReceived, map[string]any{
			"payer":     owner,
			"recipient": c.admin,
			"amount":    new(big.Int).Set(c.fee),
			"recordId":  new(big.Int).Set(id),
			"timestamp": ts,
		})
	}
	c.emitLocked(chain.EventRecordCreated, map[string]any{
		"id":        new(big.Int).Set(id),
		"owner":     owner,
		"cidMeta":   cidMeta,
		"metaHash":  metaHash,
		"timestamp": ts,
	})
	return new(big.Int).Set(id), nil
}

func (s *Session) GetRecord(ctx context.Context, id *big.Int) (*chain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	r, ok := s.c.records[id.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, chain.ErrRecordNotFound)
	}
	return cloneRecord(r), nil
}

// RevokeRecord marks a record revoked. Only its owner may do so.
func (s *Session) RevokeRecord(ctx context.Context, id *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	r, ok := s.c.records[id.String()]
	if !ok {
		return fmt.Errorf("%s: %w", id, chain.ErrRecordNotFound)
	}
	if r.Owner != s.sender {
		return chain.ErrUnauthorized
	}
	r.Revoked = true
	return nil
}

func (s *Session) GrantConsent(ctx context.Context, m accesskey.ConsentMessage, signature []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return chain.ErrPaused
	}
	r, ok := c.records[m.RecordID.String()]
	if !ok {
		return fmt.Errorf("%s: %w", m.RecordID, chain.ErrRecordNotFound)
	}
	if r.Revoked {
		return chain.ErrRecordRevoked
	}
	if m.Expiry <= uint64(c.now().Unix()) {
		return fmt.Errorf("%w: expiry in the past", chain.ErrConsentRejected)
	}
	if c.usedNonces[m.Nonce] {
		return chain.ErrNonceUsed
	}
	signer, err := c.domain.RecoverMessage(m, signature)
	if err != nil {
		return fmt.Errorf("%w: %w", chain.ErrConsentRejected, err)
	}
	if signer != r.Owner {
		return fmt.Errorf("%w: %w: signer is not the record owner", chain.ErrConsentRejected, accesskey.ErrInvalidSignature)
	}

	c.usedNonces[m.Nonce] = true
	c.consents[consentKey{m.RecordID.String(), m.Doctor, m.Nonce}] = &chain.Consent{
		RecordID: new(big.Int).Set(m.RecordID),
		Patient:  r.Owner,
		Doctor:   m.Doctor,
		Expiry:   m.Expiry,
		Nonce:    m.Nonce,
	}

	args := map[string]any{
		"doctor": m.Doctor,
		"nonce":  m.Nonce,
	}
	if c.consentEvent == chain.EventConsentKeyGenerated {
		args["id"] = new(big.Int).Set(m.RecordID)
		args["owner"] = r.Owner
		args["expiryDate"] = m.Expiry
	} else {
		args["recordId"] = new(big.Int).Set(m.RecordID)
		args["patient"] = r.Owner
		args["expiry"] = m.Expiry
	}
	c.emitLocked(c.consentEvent, args)
	return nil
}

func (s *Session) GetConsent(ctx context.Context, recordID *big.Int, doctor common.Address, nonce [32]byte) (*chain.Consent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	cn, ok := s.c.consents[consentKey{recordID.String(), doctor, nonce}]
	if !ok {
		// The contract returns a zeroed tuple for unknown consents.
		return &chain.Consent{RecordID: new(big.Int)}, nil
	}
	return cloneConsent(cn), nil
}

// RevokeConsent revokes a consent. Only the patient may do so.
func (s *Session) RevokeConsent(ctx context.Context, recordID *big.Int, doctor common.Address, nonce [32]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	cn, ok := s.c.consents[consentKey{recordID.String(), doctor, nonce}]
	if !ok {
		return fmt.Errorf("%w: no such consent", chain.ErrConsentRejected)
	}
	if cn.Patient != s.sender {
		return chain.ErrUnauthorized
	}
	cn.Revoked = true
	return nil
}

func (s *Session) RecordIDsByOwner(ctx context.Context, owner common.Address, fromBlock uint64) ([]*big.Int, error) {
	events, err := s.Events(ctx, chain.EventRecordCreated, fromBlock)
	if err != nil {
		return nil, err
	}
	var ids []*big.Int
	for _, ev := range events {
		if ev.Args["owner"] == owner {
			ids = append(ids, new(big.Int).Set(ev.Args["id"].(*big.Int)))
		}
	}
	return ids, nil
}

func (s *Session) Events(ctx context.Context, kind chain.EventKind, fromBlock uint64) ([]chain.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := s.c
	switch kind {
	case chain.EventRecordCreated, chain.EventPaymentReceived, c.consentEvent:
	default:
		return nil, fmt.Errorf("%s: %w", kind, chain.ErrEventUnsupported)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []chain.RawEvent
	for _, ev := range c.events {
		if ev.Kind != kind || ev.BlockNumber < fromBlock {
			continue
		}
		args := make(map[string]any, len(ev.Args))
		for k, v := range ev.Args {
			if b, ok := v.(*big.Int); ok {
				v = new(big.Int).Set(b)
			}
			args[k] = v
		}
		ev.Args = args
		out = append(out, ev)
	}
	return out, nil
}

func (s *Session) Status(ctx context.Context) (chain.Status, error) {
	if err := ctx.Err(); err != nil {
		return chain.Status{}, err
	}
	c := s.c
	c.mu.RLock()
	defer c.mu.RUnlock()
	return chain.Status{
		Caller:            s.sender,
		IsAdmin:           s.sender == c.admin,
		AdminAddress:      c.admin,
		Paused:            c.paused,
		Balance:           new(big.Int).Set(c.balance),
		TotalPayments:     new(big.Int).Set(c.totalPayments),
		RecordCreationFee: new(big.Int).Set(c.fee),
	}, nil
}

func (s *Session) setPaused(ctx context.Context, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.sender != c.admin {
		return chain.ErrUnauthorized
	}
	switch {
	case paused && c.paused:
		return chain.ErrPaused
	case !paused && !c.paused:
		return chain.ErrNotPaused
	}
	c.paused = paused
	return nil
}

func (s *Session) Pause(ctx context.Context) error {
	return s.setPaused(ctx, true)
}

func (s *Session) Unpause(ctx context.Context) error {
	return s.setPaused(ctx, false)
}

func (s *Session) Withdraw(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.sender != c.admin {
		return nil, chain.ErrUnauthorized
	}
	if c.balance.Sign() == 0 {
		return nil, chain.ErrNothingToWithdraw
	}
	amount := new(big.Int).Set(c.balance)
	c.balance.SetInt64(0)
	return amount, nil
}
