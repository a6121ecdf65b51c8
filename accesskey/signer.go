package accesskey

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/jmcleod/medseal/internal/util"
)

// Signer produces a typed-data signature for the active account. Wallets
// may refuse, in which case the error is returned unchanged.
type Signer interface {
	Address() common.Address
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}

// SignerFunc adapts a signing function and a fixed address to Signer.
type SignerFunc struct {
	Account common.Address
	Sign    func(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}

func (f SignerFunc) Address() common.Address {
	return f.Account
}

func (f SignerFunc) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	return f.Sign(ctx, data)
}

// KeySigner signs with a local secp256k1 key. Signatures carry a 27/28
// recovery id like browser wallets produce.
type KeySigner struct {
	key *ecdsa.PrivateKey
}

var _ Signer = (*KeySigner)(nil)

// NewKeySigner wraps key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key}
}

// ParseKeySigner parses a hex private key with an optional 0x prefix.
func ParseKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(util.Strip0x(hexKey))
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	return NewKeySigner(key), nil
}

// PrivateKey exposes the key for transaction signing.
func (s *KeySigner) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

func (s *KeySigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *KeySigner) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hashing typed data: %w", err)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
