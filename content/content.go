// Package content adapts a content-addressed store to the envelope codec.
// A fetch that fails is reported separately from content that was fetched
// but is not an envelope.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/jmcleod/medseal/envelope"
)

var (
	// ErrContentUnavailable means the content could not be retrieved.
	ErrContentUnavailable = errors.New("content unavailable")
	// ErrNotAnEnvelope means the content was retrieved but is not an
	// encrypted envelope, usually because a file CID was passed where a
	// metadata CID was expected.
	ErrNotAnEnvelope = errors.New("content is not an envelope")
	// ErrAttachmentIsEnvelope means an attachment CID points at metadata.
	ErrAttachmentIsEnvelope = errors.New("attachment CID points to metadata")
	// ErrNotFound is returned by stores for unknown content ids.
	ErrNotFound = errors.New("content not found")
	// ErrInvalidCID is returned for content ids that do not parse.
	ErrInvalidCID = errors.New("invalid content id")
)

// DefaultFetchTimeout bounds a single fetch made through FetchEnvelope.
const DefaultFetchTimeout = 15 * time.Second

// PinResult describes pinned content.
type PinResult struct {
	CID       string    `json:"cid"`
	PinSize   int64     `json:"pinSize"`
	Timestamp time.Time `json:"timestamp"`
}

// Pinner stores content and returns its id.
type Pinner interface {
	PinJSON(ctx context.Context, name string, data []byte) (PinResult, error)
	PinFile(ctx context.Context, name string, data []byte) (PinResult, error)
}

// Fetcher retrieves content by id.
type Fetcher interface {
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// Store is a content-addressed store.
type Store interface {
	Pinner
	Fetcher
}

// ComputeCID returns the CIDv1 (raw codec, sha2-256) of data.
func ComputeCID(data []byte) (string, error) {
	c, err := cid.V1Builder{Codec: cid.Raw, MhType: multihash.SHA2_256}.Sum(data)
	if err != nil {
		return "", fmt.Errorf("computing cid: %w", err)
	}
	return c.String(), nil
}

// ParseCID checks that id is a valid content id and returns its canonical
// string form.
func ParseCID(id string) (string, error) {
	c, err := cid.Decode(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidCID, id, err)
	}
	return c.String(), nil
}

func fetch(ctx context.Context, f Fetcher, id string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultFetchTimeout)
	defer cancel()
	data, err := f.Fetch(ctx, id)
	if err != nil {
		if errors.Is(err, ErrContentUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrContentUnavailable, id, err)
	}
	return data, nil
}

// envelopeFields are the keys whose presence marks content as an envelope.
var envelopeFields = []string{"schema", "iv", "encrypted", "authTag"}

// hasEnvelopeFields reports whether data is a JSON object carrying every
// envelope field. It says nothing about whether those fields are valid.
func hasEnvelopeFields(data []byte) bool {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	for _, field := range envelopeFields {
		if _, ok := fields[field]; !ok {
			return false
		}
	}
	return true
}

// FetchEnvelope retrieves id and parses it as an envelope. Content without
// the envelope fields is ErrNotAnEnvelope; content that has them but does
// not parse is envelope.ErrMalformedEnvelope.
func FetchEnvelope(ctx context.Context, f Fetcher, id string) (*envelope.Envelope, error) {
	data, err := fetch(ctx, f, id)
	if err != nil {
		return nil, err
	}
	if !hasEnvelopeFields(data) {
		return nil, fmt.Errorf("%w: %s", ErrNotAnEnvelope, id)
	}
	env, err := envelope.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	return env, nil
}

// OpenEnvelope retrieves id and decrypts it into out.
func OpenEnvelope(ctx context.Context, f Fetcher, id string, key []byte, out any) (*envelope.Envelope, error) {
	env, err := FetchEnvelope(ctx, f, id)
	if err != nil {
		return nil, err
	}
	if err := envelope.OpenDocument(env, key, out); err != nil {
		return env, err
	}
	return env, nil
}

// FetchAttachment retrieves a raw attachment and refuses envelopes.
func FetchAttachment(ctx context.Context, f Fetcher, id string) ([]byte, error) {
	data, err := fetch(ctx, f, id)
	if err != nil {
		return nil, err
	}
	if hasEnvelopeFields(data) {
		return nil, fmt.Errorf("%w: %s", ErrAttachmentIsEnvelope, id)
	}
	return data, nil
}

// CheckAttachment verifies that id resolves to a raw file.
func CheckAttachment(ctx context.Context, f Fetcher, id string) error {
	_, err := FetchAttachment(ctx, f, id)
	return err
}
