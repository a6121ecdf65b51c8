package accesskey

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	DomainName    = "MedicalRecords"
	DomainVersion = "1"
	primaryType   = "Consent"
)

// Domain is the EIP-712 domain of the records contract.
type Domain struct {
	ChainID           int64
	VerifyingContract common.Address
}

var consentTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: {
		{Name: "recordId", Type: "uint256"},
		{Name: "doctor", Type: "address"},
		{Name: "expiry", Type: "uint64"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// TypedData returns the typed-data payload a wallet signs for m.
func (d Domain) TypedData(m ConsentMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       consentTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           math.NewHexOrDecimal256(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"recordId": m.RecordID.String(),
			"doctor":   m.Doctor.Hex(),
			"expiry":   strconv.FormatUint(m.Expiry, 10),
			"nonce":    hexutil.Encode(m.Nonce[:]),
		},
	}
}

// Digest is the EIP-712 hash signed for m.
func (d Domain) Digest(m ConsentMessage) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(d.TypedData(m))
	if err != nil {
		return nil, fmt.Errorf("hashing consent: %w", err)
	}
	return hash, nil
}

// Recover returns the address that signed g under d.
func (d Domain) Recover(g RecordGrant) (common.Address, error) {
	m, err := g.Message()
	if err != nil {
		return common.Address{}, err
	}
	sig, err := g.SignatureBytes()
	if err != nil {
		return common.Address{}, err
	}
	return d.RecoverMessage(m, sig)
}

// RecoverMessage returns the signer of m. Both 0/1 and 27/28 recovery ids
// are accepted.
func (d Domain) RecoverMessage(m ConsentMessage, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature must be %d bytes", ErrInvalidSignature, crypto.SignatureLength)
	}
	digest, err := d.Digest(m)
	if err != nil {
		return common.Address{}, err
	}
	norm := make([]byte, len(sig))
	copy(norm, sig)
	if norm[crypto.RecoveryIDOffset] >= 27 {
		norm[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyGrantSignature checks that g was signed by patient.
func (d Domain) VerifyGrantSignature(g RecordGrant, patient common.Address) error {
	signer, err := d.Recover(g)
	if err != nil {
		return err
	}
	if signer != patient {
		return fmt.Errorf("%w: signed by %s", ErrInvalidSignature, signer.Hex())
	}
	return nil
}
