// Package envelope seals JSON documents into AES-256-GCM envelopes and opens
// them again.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	icrypto "github.com/jmcleod/medseal/internal/crypto"
	"github.com/jmcleod/medseal/internal/util"
)

const (
	// SchemaPayloadV1 envelopes carry no associated data, so their timestamp
	// is informational only. Kept for records written by older clients.
	SchemaPayloadV1 = "medical-record-payload@1"
	// SchemaPayloadV2 envelopes bind the schema tag and timestamp as AAD.
	SchemaPayloadV2 = "medical-record-payload@2"

	// DefaultSchema is used by Seal unless WithSchema overrides it.
	DefaultSchema = SchemaPayloadV2
)

// Envelope is the wire form of an encrypted JSON document.
type Envelope struct {
	Schema    string `json:"schema"`
	Timestamp int64  `json:"timestamp"`
	IV        string `json:"iv"`
	Encrypted string `json:"encrypted"`
	AuthTag   string `json:"authTag"`
}

// SealOption configures Seal.
type SealOption func(*sealOptions)

type sealOptions struct {
	schema string
	now    func() time.Time
}

// WithSchema selects the envelope schema. Only the known payload schemas
// are accepted by Seal.
func WithSchema(schema string) SealOption {
	return func(o *sealOptions) {
		o.schema = schema
	}
}

// WithClock overrides the clock used for the envelope timestamp.
func WithClock(now func() time.Time) SealOption {
	return func(o *sealOptions) {
		o.now = now
	}
}

func knownSchema(schema string) bool {
	return schema == SchemaPayloadV1 || schema == SchemaPayloadV2
}

func associatedData(schema string, timestamp int64) []byte {
	if schema == SchemaPayloadV1 {
		return nil
	}
	return icrypto.AADEnvelope(schema, timestamp)
}

// Seal encrypts a UTF-8 JSON document under a 32-byte key. Every call draws
// a fresh 12-byte IV.
func Seal(plaintextJSON []byte, key []byte, opts ...SealOption) (*Envelope, error) {
	o := sealOptions{schema: DefaultSchema, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if !knownSchema(o.schema) {
		return nil, fmt.Errorf("%w: unknown schema %q", ErrMalformedEnvelope, o.schema)
	}
	if len(key) != util.AESKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyMaterial, len(key), util.AESKeySize)
	}
	if !utf8.Valid(plaintextJSON) || !json.Valid(plaintextJSON) {
		return nil, ErrInvalidPlaintext
	}

	ts := o.now().Unix()
	iv, ct, tag, err := util.SealGCM(plaintextJSON, key, associatedData(o.schema, ts))
	if err != nil {
		return nil, fmt.Errorf("sealing envelope: %w", err)
	}

	return &Envelope{
		Schema:    o.schema,
		Timestamp: ts,
		IV:        util.Base64Encode(iv),
		Encrypted: util.Base64Encode(ct),
		AuthTag:   util.Base64Encode(tag),
	}, nil
}

// SealDocument marshals v to JSON and seals it.
func SealDocument(v any, key []byte, opts ...SealOption) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlaintext, err)
	}
	return Seal(data, key, opts...)
}

// Validate checks that all required fields are present and the schema is
// known. It does not decode or decrypt anything.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	}
	var missing []string
	if e.Schema == "" {
		missing = append(missing, "schema")
	}
	if e.IV == "" {
		missing = append(missing, "iv")
	}
	if e.Encrypted == "" {
		missing = append(missing, "encrypted")
	}
	if e.AuthTag == "" {
		missing = append(missing, "authTag")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing fields %v", ErrMalformedEnvelope, missing)
	}
	if !knownSchema(e.Schema) {
		return fmt.Errorf("%w: unknown schema %q", ErrMalformedEnvelope, e.Schema)
	}
	return nil
}

// Parse decodes an envelope from JSON and validates its structure.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Open authenticates and decrypts an envelope, returning the JSON plaintext.
// Cheap structural checks run before the AEAD open.
func Open(env *Envelope, key []byte) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if len(key) != util.AESKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyMaterial, len(key), util.AESKeySize)
	}

	iv, err := util.Base64Decode(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv is not base64", ErrMalformedEnvelope)
	}
	ct, err := util.Base64Decode(env.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted is not base64", ErrMalformedEnvelope)
	}
	tag, err := util.Base64Decode(env.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("%w: authTag is not base64", ErrMalformedEnvelope)
	}
	if len(iv) != util.GCMNonceSize {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrInvalidEnvelopeGeometry, len(iv), util.GCMNonceSize)
	}
	if len(tag) != util.GCMTagSize {
		return nil, fmt.Errorf("%w: authTag is %d bytes, want %d", ErrInvalidEnvelopeGeometry, len(tag), util.GCMTagSize)
	}

	plain, err := util.OpenGCM(iv, ct, tag, key, associatedData(env.Schema, env.Timestamp))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if !utf8.Valid(plain) || !json.Valid(plain) {
		util.WipeBytes(plain)
		return nil, ErrCorruptPlaintext
	}
	return plain, nil
}

// OpenDocument opens env and unmarshals the plaintext into out.
func OpenDocument(env *Envelope, key []byte, out any) error {
	plain, err := Open(env, key)
	if err != nil {
		return err
	}
	defer util.WipeBytes(plain)
	if err := json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptPlaintext, err)
	}
	return nil
}
