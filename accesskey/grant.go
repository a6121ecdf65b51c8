// Package accesskey builds, signs, encodes and verifies the access-key
// bundles a patient hands to a doctor.
package accesskey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/jmcleod/medseal/internal/util"
)

// isoMillis matches the browser's Date.prototype.toISOString output.
const isoMillis = "2006-01-02T15:04:05.000Z"

// Timestamp is a unix time in seconds. It is written as a decimal string
// and read from either a string or a number.
type Timestamp int64

func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

// ISO formats t the way expiryDate fields are written.
func (t Timestamp) ISO() string {
	return t.Time().Format(isoMillis)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(t), 10))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", data, err)
	}
	*t = Timestamp(v)
	return nil
}

// Consent is the on-chain consent tuple returned by getConsent. A zero
// Patient means no consent was registered.
type Consent struct {
	RecordID *big.Int
	Patient  common.Address
	Doctor   common.Address
	Expiry   uint64
	Nonce    [32]byte
	Revoked  bool
}

// Registered reports whether the tuple refers to a real consent.
func (c *Consent) Registered() bool {
	return c != nil && c.Patient != (common.Address{})
}

// RecordGrant is one record-level authorization. DecryptionKey is only set
// by legacy per-upload bundles.
type RecordGrant struct {
	RecordID      string    `json:"recordId"`
	Doctor        string    `json:"doctor"`
	Expiry        Timestamp `json:"expiry"`
	Nonce         string    `json:"nonce"`
	Signature     string    `json:"signature"`
	ExpiryDate    string    `json:"expiryDate"`
	DecryptionKey string    `json:"decryptionKey,omitempty"`
}

// ConsentMessage is the parsed form of a grant, as signed and as passed to
// the contract.
type ConsentMessage struct {
	RecordID *big.Int
	Doctor   common.Address
	Expiry   uint64
	Nonce    [32]byte
}

// ParseRecordID parses a decimal record id.
func ParseRecordID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("%w: record id %q", ErrInvalidGrant, s)
	}
	return id, nil
}

// ParseAddress parses a 0x-prefixed 20-byte hex address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: address %q", ErrInvalidGrant, s)
	}
	return common.HexToAddress(s), nil
}

// ParseNonce parses a 0x-prefixed 32-byte hex nonce.
func ParseNonce(s string) ([32]byte, error) {
	var n [32]byte
	raw, err := hexutil.Decode(s)
	if err != nil || len(raw) != len(n) {
		return n, fmt.Errorf("%w: nonce %q", ErrInvalidGrant, s)
	}
	copy(n[:], raw)
	return n, nil
}

// Message parses the signed fields of g.
func (g RecordGrant) Message() (ConsentMessage, error) {
	id, err := ParseRecordID(g.RecordID)
	if err != nil {
		return ConsentMessage{}, err
	}
	doctor, err := ParseAddress(g.Doctor)
	if err != nil {
		return ConsentMessage{}, err
	}
	if g.Expiry < 0 {
		return ConsentMessage{}, fmt.Errorf("%w: negative expiry", ErrInvalidGrant)
	}
	nonce, err := ParseNonce(g.Nonce)
	if err != nil {
		return ConsentMessage{}, err
	}
	return ConsentMessage{RecordID: id, Doctor: doctor, Expiry: uint64(g.Expiry), Nonce: nonce}, nil
}

// SignatureBytes decodes the hex signature.
func (g RecordGrant) SignatureBytes() ([]byte, error) {
	sig, err := hexutil.Decode(g.Signature)
	if err != nil || len(sig) != 65 {
		return nil, fmt.Errorf("%w: signature must be 65 bytes of hex", ErrInvalidGrant)
	}
	return sig, nil
}

// LegacyKey returns the per-upload key carried by a legacy grant, if any.
func (g RecordGrant) LegacyKey() string {
	return g.DecryptionKey
}

func newNonce() (string, error) {
	b, err := util.RandomBytes(32)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(b), nil
}
