// Package ethereum talks to the deployed medical records contract over
// JSON-RPC.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/jmcleod/medseal/accesskey"
	"github.com/jmcleod/medseal/chain"
)

//go:embed medicalrecords.abi.json
var contractABIJSON string

// ErrReadOnly is returned by writes on a client built without a key.
var ErrReadOnly = errors.New("no transaction key configured")

// ErrTransactionFailed is returned when a mined transaction reverted.
var ErrTransactionFailed = errors.New("transaction failed")

// ParseABI returns the embedded contract ABI.
func ParseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(contractABIJSON))
}

// Backend is what the client needs from an RPC connection.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

type recordTuple struct {
	Id        *big.Int
	Owner     common.Address
	CidMeta   string
	MetaHash  [32]byte
	Timestamp uint64
	Revoked   bool
}

type consentTuple struct {
	RecordId *big.Int
	Patient  common.Address
	Doctor   common.Address
	Expiry   uint64
	Nonce    [32]byte
	Revoked  bool
}

// Client implements chain.Registry, chain.Admin and chain.EventSource
// against a deployed contract.
type Client struct {
	address  common.Address
	chainID  *big.Int
	backend  Backend
	abi      abi.ABI
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
}

var (
	_ chain.Registry    = (*Client)(nil)
	_ chain.Admin       = (*Client)(nil)
	_ chain.EventSource = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithTransactor enables writes signed by key.
func WithTransactor(key *ecdsa.PrivateKey) Option {
	return func(c *Client) {
		c.key = key
	}
}

// New binds the contract at address on backend.
func New(backend Backend, address common.Address, chainID int64, opts ...Option) (*Client, error) {
	parsed, err := ParseABI()
	if err != nil {
		return nil, fmt.Errorf("parsing contract abi: %w", err)
	}
	c := &Client{
		address:  address,
		chainID:  big.NewInt(chainID),
		backend:  backend,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dial connects to rpcURL and binds the contract.
func Dial(ctx context.Context, rpcURL string, address common.Address, chainID int64, opts ...Option) (*Client, *ethclient.Client, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}
	remote, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, nil, fmt.Errorf("reading chain id: %w", err)
	}
	if remote.Int64() != chainID {
		rpc.Close()
		return nil, nil, fmt.Errorf("rpc is on chain %s, expected %d", remote, chainID)
	}
	c, err := New(rpc, address, chainID, opts...)
	if err != nil {
		rpc.Close()
		return nil, nil, err
	}
	return c, rpc, nil
}

// From returns the sending account, or the zero address for read-only
// clients.
func (c *Client) From() common.Address {
	if c.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx, From: c.From()}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, mapRevert(method, err))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("calling %s: empty result", method)
	}
	return out, nil
}

func (c *Client) transact(ctx context.Context, method string, args ...any) (*types.Receipt, error) {
	if c.key == nil {
		return nil, ErrReadOnly
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx

	tx, err := c.contract.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, mapRevert(method, err))
	}
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s (%s): %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s reverted in %s", ErrTransactionFailed, method, tx.Hash().Hex())
	}
	return receipt, nil
}

// mapRevert translates well-known revert reasons into chain sentinels. Any
// other revert is chain.ErrReverted, and also chain.ErrConsentRejected when
// it came from grantConsent.
func mapRevert(method string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "EnforcedPause"), strings.Contains(msg, "Pausable: paused"):
		return fmt.Errorf("%w: %v", chain.ErrPaused, err)
	case strings.Contains(msg, "ExpectedPause"), strings.Contains(msg, "Pausable: not paused"):
		return fmt.Errorf("%w: %v", chain.ErrNotPaused, err)
	case strings.Contains(msg, "AccessControlUnauthorizedAccount"), strings.Contains(msg, "AccessControl:"):
		return fmt.Errorf("%w: %v", chain.ErrUnauthorized, err)
	case strings.Contains(strings.ToLower(msg), "nonce already used"):
		return fmt.Errorf("%w: %v", chain.ErrNonceUsed, err)
	case strings.Contains(msg, "execution reverted") && method == "grantConsent":
		return fmt.Errorf("%w: %w: %v", chain.ErrConsentRejected, chain.ErrReverted, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %v", chain.ErrReverted, err)
	}
	return err
}

func (c *Client) CreateRecord(ctx context.Context, owner common.Address, cidMeta string, metaHash [32]byte) (*big.Int, error) {
	receipt, err := c.transact(ctx, "createRecord", owner, cidMeta, metaHash)
	if err != nil {
		return nil, err
	}
	created := c.abi.Events[string(chain.EventRecordCreated)]
	for _, lg := range receipt.Logs {
		if lg.Address != c.address || len(lg.Topics) == 0 || lg.Topics[0] != created.ID {
			continue
		}
		args := make(map[string]any)
		if err := c.contract.UnpackLogIntoMap(args, created.Name, *lg); err != nil {
			return nil, fmt.Errorf("decoding RecordCreated: %w", err)
		}
		if id, ok := args["id"].(*big.Int); ok {
			return id, nil
		}
	}
	return nil, fmt.Errorf("createRecord: no RecordCreated event in %s", receipt.TxHash.Hex())
}

func (c *Client) GetRecord(ctx context.Context, id *big.Int) (*chain.Record, error) {
	out, err := c.call(ctx, "getRecord", id)
	if err != nil {
		return nil, err
	}
	t := *abi.ConvertType(out[0], new(recordTuple)).(*recordTuple)
	if t.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%s: %w", id, chain.ErrRecordNotFound)
	}
	return &chain.Record{
		ID:        t.Id,
		Owner:     t.Owner,
		CIDMeta:   t.CidMeta,
		MetaHash:  t.MetaHash,
		Timestamp: t.Timestamp,
		Revoked:   t.Revoked,
	}, nil
}

func (c *Client) GrantConsent(ctx context.Context, m accesskey.ConsentMessage, signature []byte) error {
	_, err := c.transact(ctx, "grantConsent", m.RecordID, m.Doctor, m.Expiry, m.Nonce, signature)
	return err
}

func (c *Client) GetConsent(ctx context.Context, recordID *big.Int, doctor common.Address, nonce [32]byte) (*chain.Consent, error) {
	out, err := c.call(ctx, "getConsent", recordID, doctor, nonce)
	if err != nil {
		return nil, err
	}
	t := *abi.ConvertType(out[0], new(consentTuple)).(*consentTuple)
	return &chain.Consent{
		RecordID: t.RecordId,
		Patient:  t.Patient,
		Doctor:   t.Doctor,
		Expiry:   t.Expiry,
		Nonce:    t.Nonce,
		Revoked:  t.Revoked,
	}, nil
}

func (c *Client) RecordIDsByOwner(ctx context.Context, owner common.Address, fromBlock uint64) ([]*big.Int, error) {
	ownerTopic := common.BytesToHash(owner.Bytes())
	events, err := c.events(ctx, chain.EventRecordCreated, fromBlock, nil, []common.Hash{ownerTopic})
	if err != nil {
		return nil, err
	}
	ids := make([]*big.Int, 0, len(events))
	for _, ev := range events {
		if id, ok := ev.Args["id"].(*big.Int); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Events returns decoded logs of kind. Kinds absent from the ABI yield
// chain.ErrEventUnsupported.
func (c *Client) Events(ctx context.Context, kind chain.EventKind, fromBlock uint64) ([]chain.RawEvent, error) {
	return c.events(ctx, kind, fromBlock)
}

func (c *Client) events(ctx context.Context, kind chain.EventKind, fromBlock uint64, topics ...[]common.Hash) ([]chain.RawEvent, error) {
	ev, ok := c.abi.Events[string(kind)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, chain.ErrEventUnsupported)
	}
	query := goethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{c.address},
		Topics:    append([][]common.Hash{{ev.ID}}, topics...),
	}
	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filtering %s logs: %w", kind, err)
	}
	out := make([]chain.RawEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		args := make(map[string]any)
		if err := c.contract.UnpackLogIntoMap(args, ev.Name, lg); err != nil {
			return nil, fmt.Errorf("decoding %s log: %w", kind, err)
		}
		out = append(out, chain.RawEvent{Kind: kind, Args: args, BlockNumber: lg.BlockNumber, TxHash: lg.TxHash})
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (chain.Status, error) {
	s := chain.Status{Caller: c.From()}
	var adminRole [32]byte

	reads := []struct {
		method string
		args   []any
		set    func(any)
	}{
		{"getAdminAddress", nil, func(v any) { s.AdminAddress, _ = v.(common.Address) }},
		{"paused", nil, func(v any) { s.Paused, _ = v.(bool) }},
		{"getContractBalance", nil, func(v any) { s.Balance, _ = v.(*big.Int) }},
		{"getTotalPayments", nil, func(v any) { s.TotalPayments, _ = v.(*big.Int) }},
		{"getRecordCreationFee", nil, func(v any) { s.RecordCreationFee, _ = v.(*big.Int) }},
		{"hasRole", []any{adminRole, s.Caller}, func(v any) { s.IsAdmin, _ = v.(bool) }},
	}
	for _, r := range reads {
		out, err := c.call(ctx, r.method, r.args...)
		if err != nil {
			return chain.Status{}, err
		}
		r.set(out[0])
	}
	return s, nil
}

func (c *Client) Pause(ctx context.Context) error {
	_, err := c.transact(ctx, "pause")
	return err
}

func (c *Client) Unpause(ctx context.Context) error {
	_, err := c.transact(ctx, "unpause")
	return err
}

func (c *Client) Withdraw(ctx context.Context) (*big.Int, error) {
	out, err := c.call(ctx, "getContractBalance")
	if err != nil {
		return nil, err
	}
	balance, _ := out[0].(*big.Int)
	if balance == nil || balance.Sign() == 0 {
		return nil, chain.ErrNothingToWithdraw
	}
	if _, err := c.transact(ctx, "withdraw"); err != nil {
		return nil, err
	}
	return balance, nil
}
