package accesskey

import "errors"

var (
	// ErrInvalidBundleEncoding is returned for any bundle string that does
	// not decode to a well-formed bundle.
	ErrInvalidBundleEncoding = errors.New("invalid access key bundle encoding")
	// ErrInvalidGrant indicates a grant field could not be parsed.
	ErrInvalidGrant = errors.New("invalid grant")
	// ErrInvalidSignature indicates a grant signature does not recover to
	// the expected patient.
	ErrInvalidSignature = errors.New("invalid grant signature")
	// ErrWrongRecipient indicates the grant names a different doctor.
	ErrWrongRecipient = errors.New("grant issued to a different recipient")
	// ErrGrantExpired indicates the grant expiry has passed.
	ErrGrantExpired = errors.New("grant expired")
	// ErrGrantRevokedOrMissing indicates the on-chain consent is absent,
	// mismatched or revoked.
	ErrGrantRevokedOrMissing = errors.New("grant revoked or not registered")
)
