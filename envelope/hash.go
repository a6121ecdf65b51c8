package envelope

import (
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/jmcleod/medseal/internal/util"
)

// MetaHash is the SHA3-256 digest of an envelope's JSON encoding, as
// anchored on-chain next to the content id.
func MetaHash(env *Envelope) ([32]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encoding envelope: %w", err)
	}
	return sha3.Sum256(data), nil
}

// MetaHashHex is MetaHash as 0x-prefixed hex.
func MetaHashHex(env *Envelope) (string, error) {
	h, err := MetaHash(env)
	if err != nil {
		return "", err
	}
	return util.Hex0x(h[:]), nil
}
