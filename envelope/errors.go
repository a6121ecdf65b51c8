package envelope

import "errors"

var (
	// ErrMalformedEnvelope indicates a required envelope field is missing,
	// not valid base64, or the schema tag is unknown.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrInvalidKeyMaterial indicates the key is not exactly 32 bytes.
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	// ErrInvalidEnvelopeGeometry indicates the IV or tag has the wrong length.
	ErrInvalidEnvelopeGeometry = errors.New("invalid envelope geometry")
	// ErrDecryptionFailed is returned for every authentication failure. It
	// does not say whether the key, IV, ciphertext or tag was wrong.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrCorruptPlaintext indicates the authenticated plaintext is not UTF-8 JSON.
	ErrCorruptPlaintext = errors.New("corrupt plaintext")
	// ErrInvalidPlaintext indicates the value handed to Seal is not JSON.
	ErrInvalidPlaintext = errors.New("plaintext is not valid JSON")
	// ErrInvalidDocument indicates a metadata document failed validation.
	ErrInvalidDocument = errors.New("invalid metadata document")
)
