// Package keys supplies the AES-256 key material used to seal and open
// metadata envelopes.
package keys

import (
	"context"
	"fmt"

	"github.com/jmcleod/medseal/envelope"
	"github.com/jmcleod/medseal/internal/util"
)

// HexKeyLength is the number of hex characters in an encoded 32-byte key.
const HexKeyLength = 2 * util.AESKeySize

// ErrInvalidKeyMaterial is shared with the envelope codec.
var ErrInvalidKeyMaterial = envelope.ErrInvalidKeyMaterial

// ParseHexKey decodes a 64-character hex key with an optional 0x prefix.
// It rejects anything else before any other work is done.
func ParseHexKey(s string) ([]byte, error) {
	h := util.Strip0x(s)
	if len(h) != HexKeyLength {
		return nil, fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidKeyMaterial, HexKeyLength, len(h))
	}
	key, err := util.HexDecode(h)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidKeyMaterial)
	}
	return key, nil
}

// GenerateMasterKey returns a fresh random key encoded as 64 hex characters.
func GenerateMasterKey() (string, error) {
	key, err := util.NewAESKey()
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)
	return util.HexEncode(key), nil
}

// Mode says how a key was obtained and whether the caller must distribute it.
type Mode int

const (
	// ModeGlobal keys are shared process-wide and never travel in a bundle.
	ModeGlobal Mode = iota
	// ModePerUpload keys are generated per document and must be handed to
	// recipients out of band.
	ModePerUpload
)

func (m Mode) String() string {
	switch m {
	case ModeGlobal:
		return "global"
	case ModePerUpload:
		return "per-upload"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Material is a 32-byte AES key. Callers should Wipe it when done.
type Material struct {
	mode Mode
	key  []byte
}

// NewMaterial copies key into a Material.
func NewMaterial(mode Mode, key []byte) (*Material, error) {
	if len(key) != util.AESKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyMaterial, len(key), util.AESKeySize)
	}
	return &Material{mode: mode, key: util.CopyBytes(key)}, nil
}

func (m *Material) Mode() Mode {
	return m.mode
}

// Bytes returns the raw key. The slice is owned by m.
func (m *Material) Bytes() []byte {
	return m.key
}

func (m *Material) Hex() string {
	return util.HexEncode(m.key)
}

// Wipe zeroes the key in place.
func (m *Material) Wipe() {
	util.WipeBytes(m.key)
}

// Provider supplies the key used to seal a new document or open one.
type Provider interface {
	Key(ctx context.Context) (*Material, error)
}

// MasterKeySource is implemented by config.Context.
type MasterKeySource interface {
	MasterKey(ctx context.Context) ([]byte, error)
}

// Global returns the single shared key from a trusted source. Errors from
// the source are passed through unchanged; there is no fallback key.
type Global struct {
	src MasterKeySource
}

var _ Provider = (*Global)(nil)

// NewGlobal returns a provider backed by src.
func NewGlobal(src MasterKeySource) *Global {
	return &Global{src: src}
}

func (g *Global) Key(ctx context.Context) (*Material, error) {
	raw, err := g.src.MasterKey(ctx)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(raw)
	return NewMaterial(ModeGlobal, raw)
}

// PerUpload generates a fresh key on every call.
type PerUpload struct{}

var _ Provider = PerUpload{}

func (PerUpload) Key(ctx context.Context) (*Material, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	return &Material{mode: ModePerUpload, key: raw}, nil
}

// Static always returns the same operator-supplied key. It is meant for the
// CLI, where the key is passed explicitly.
type Static struct {
	key []byte
}

var _ Provider = (*Static)(nil)

// NewStatic parses a hex key into a Static provider.
func NewStatic(hexKey string) (*Static, error) {
	key, err := ParseHexKey(hexKey)
	if err != nil {
		return nil, err
	}
	return &Static{key: key}, nil
}

func (s *Static) Key(context.Context) (*Material, error) {
	return NewMaterial(ModeGlobal, s.key)
}
