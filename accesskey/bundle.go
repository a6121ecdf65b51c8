package accesskey

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmcleod/medseal/internal/util"
)

// Bundle is the capability a patient hands to one doctor. Expiry and
// ExpiryDate mirror the first grant. DecryptionKey is only present in
// legacy per-upload bundles and is trusted as much as the channel the
// bundle travelled over.
type Bundle struct {
	Patient       string        `json:"patient"`
	Doctor        string        `json:"doctor"`
	Expiry        Timestamp     `json:"expiry"`
	ExpiryDate    string        `json:"expiryDate"`
	DecryptionKey string        `json:"decryptionKey,omitempty"`
	Records       []RecordGrant `json:"records"`
}

// NewBundle groups grants for doctor.
func NewBundle(patient, doctor string, grants []RecordGrant) (*Bundle, error) {
	if len(grants) == 0 {
		return nil, fmt.Errorf("%w: bundle needs at least one grant", ErrInvalidGrant)
	}
	records := make([]RecordGrant, len(grants))
	copy(records, grants)
	return &Bundle{
		Patient:    patient,
		Doctor:     doctor,
		Expiry:     records[0].Expiry,
		ExpiryDate: records[0].ExpiryDate,
		Records:    records,
	}, nil
}

// KeyFor returns the legacy decryption key for g, preferring the grant's
// own key over the bundle-level one.
func (b *Bundle) KeyFor(g RecordGrant) string {
	if g.DecryptionKey != "" {
		return g.DecryptionKey
	}
	return b.DecryptionKey
}

// Encode serialises b as base64 of its JSON form.
func Encode(b *Bundle) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encoding bundle: %w", err)
	}
	return util.Base64Encode(data), nil
}

// Decode parses an encoded bundle. The raw JSON form, as saved in a key
// file, is accepted too. Every failure is ErrInvalidBundleEncoding.
func Decode(s string) (*Bundle, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidBundleEncoding)
	}

	var data []byte
	if strings.HasPrefix(s, "{") {
		data = []byte(s)
	} else {
		raw, err := decodeBase64(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBundleEncoding, err)
		}
		data = raw
	}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundleEncoding, err)
	}
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundleEncoding, err)
	}
	return &b, nil
}

func decodeBase64(s string) ([]byte, error) {
	if raw, err := util.Base64Decode(s); err == nil {
		return raw, nil
	}
	// Bundles pasted from chat clients sometimes lose their padding.
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// validate checks that every grant parses into the signed message, so a
// decoded bundle can always reach verification.
func (b *Bundle) validate() error {
	if _, err := ParseAddress(b.Doctor); err != nil {
		return fmt.Errorf("doctor: %w", err)
	}
	if len(b.Records) == 0 {
		return fmt.Errorf("no records")
	}
	for i, g := range b.Records {
		if _, err := g.Message(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if _, err := g.SignatureBytes(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}
