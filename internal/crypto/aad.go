package icrypto

import (
	"encoding/binary"
)

const (
	aadEnvelope = "ENVELOPE"
)

// AADEnvelope binds an envelope's schema tag and creation time to its
// ciphertext.
func AADEnvelope(schema string, timestamp int64) []byte {
	return buildAAD(aadEnvelope, schema, uint64(timestamp))
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
