package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medseal/internal/util"
)

func mustHexKey(t *testing.T, s string) []byte {
	t.Helper()
	key, err := util.HexDecode(s)
	require.NoError(t, err)
	require.Len(t, key, 32)
	return key
}

func flipBit(t *testing.T, b64 string, bit int) string {
	t.Helper()
	raw, err := util.Base64Decode(b64)
	require.NoError(t, err)
	raw[bit/8] ^= 1 << (bit % 8)
	return util.Base64Encode(raw)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, _ := util.NewAESKey()
	doc := NewMetadataDocument("0xabc", "bloodwork", "2025-03-01", nil, "")

	env, err := SealDocument(doc, key)
	require.NoError(t, err)
	assert.Equal(t, DefaultSchema, env.Schema)
	assert.NotZero(t, env.Timestamp)

	var got MetadataDocument
	require.NoError(t, OpenDocument(env, key, &got))
	assert.Equal(t, *doc, got)
	assert.NotNil(t, got.Files)
}

func TestSealLengthPreserving(t *testing.T) {
	key, _ := util.NewAESKey()
	plain := []byte(`{"examType":"xray","files":["a","b"]}`)
	env, err := Seal(plain, key)
	require.NoError(t, err)

	ct, err := util.Base64Decode(env.Encrypted)
	require.NoError(t, err)
	tag, err := util.Base64Decode(env.AuthTag)
	require.NoError(t, err)
	iv, err := util.Base64Decode(env.IV)
	require.NoError(t, err)

	assert.Len(t, ct, len(plain))
	assert.Len(t, tag, 16)
	assert.Len(t, iv, 12)
}

func TestScenarioFixedKeys(t *testing.T) {
	keyA := mustHexKey(t, "0x"+strings.Repeat("a", 64))
	keyB := mustHexKey(t, "0x"+strings.Repeat("b", 64))
	plain := `{"schema":"medical-record-metadata@1","examType":"bloodwork","files":[]}`

	env, err := Seal([]byte(plain), keyA)
	require.NoError(t, err)

	var got, want map[string]any
	require.NoError(t, json.Unmarshal([]byte(plain), &want))
	require.NoError(t, OpenDocument(env, keyA, &got))
	assert.Equal(t, want, got)

	_, err = Open(env, keyB)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestWrongKey(t *testing.T) {
	key, _ := util.NewAESKey()
	other, _ := util.NewAESKey()
	env, err := Seal([]byte(`{"a":1}`), key)
	require.NoError(t, err)

	plain, err := Open(env, other)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
	assert.Nil(t, plain)
}

func TestTamperSensitivity(t *testing.T) {
	key, _ := util.NewAESKey()
	env, err := Seal([]byte(`{"n":42}`), key)
	require.NoError(t, err)

	ct, _ := util.Base64Decode(env.Encrypted)
	for bit := 0; bit < len(ct)*8; bit++ {
		tampered := *env
		tampered.Encrypted = flipBit(t, env.Encrypted, bit)
		plain, err := Open(&tampered, key)
		require.ErrorIs(t, err, ErrDecryptionFailed, "encrypted bit %d", bit)
		require.Nil(t, plain)
	}
	for bit := 0; bit < 16*8; bit++ {
		tampered := *env
		tampered.AuthTag = flipBit(t, env.AuthTag, bit)
		plain, err := Open(&tampered, key)
		require.ErrorIs(t, err, ErrDecryptionFailed, "authTag bit %d", bit)
		require.Nil(t, plain)
	}

	tampered := *env
	tampered.IV = flipBit(t, env.IV, 0)
	_, err = Open(&tampered, key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestIVUniqueness(t *testing.T) {
	key, _ := util.NewAESKey()
	plain := []byte(`{"examType":"mri"}`)
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		env, err := Seal(plain, key)
		require.NoError(t, err)
		require.False(t, seen[env.IV], "iv reused")
		seen[env.IV] = true
	}
}

func TestTimestampBinding(t *testing.T) {
	key, _ := util.NewAESKey()
	fixed := func() time.Time { return time.Unix(1700000000, 0) }

	t.Run("V2BindsTimestamp", func(t *testing.T) {
		env, err := Seal([]byte(`{}`), key, WithClock(fixed))
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000), env.Timestamp)

		env.Timestamp++
		_, err = Open(env, key)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("V2BindsSchema", func(t *testing.T) {
		env, err := Seal([]byte(`{}`), key)
		require.NoError(t, err)
		env.Schema = SchemaPayloadV1
		_, err = Open(env, key)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("V1TimestampIsInformational", func(t *testing.T) {
		env, err := Seal([]byte(`{"legacy":true}`), key, WithSchema(SchemaPayloadV1), WithClock(fixed))
		require.NoError(t, err)
		env.Timestamp = 1
		plain, err := Open(env, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"legacy":true}`, string(plain))
	})
}

func TestOpenPreconditions(t *testing.T) {
	key, _ := util.NewAESKey()
	env, err := Seal([]byte(`{"ok":true}`), key)
	require.NoError(t, err)

	t.Run("MissingFields", func(t *testing.T) {
		for _, mutate := range []func(e *Envelope){
			func(e *Envelope) { e.Schema = "" },
			func(e *Envelope) { e.IV = "" },
			func(e *Envelope) { e.Encrypted = "" },
			func(e *Envelope) { e.AuthTag = "" },
		} {
			bad := *env
			mutate(&bad)
			_, err := Open(&bad, key)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		}
	})

	t.Run("UnknownSchema", func(t *testing.T) {
		bad := *env
		bad.Schema = "medical-record-payload@9"
		_, err := Open(&bad, key)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("NotBase64", func(t *testing.T) {
		bad := *env
		bad.IV = "%%%"
		_, err := Open(&bad, key)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("ShortKey", func(t *testing.T) {
		_, err := Open(env, key[:31])
		assert.ErrorIs(t, err, ErrInvalidKeyMaterial)
	})

	t.Run("KeyCheckedBeforeGeometry", func(t *testing.T) {
		bad := *env
		bad.IV = util.Base64Encode([]byte{1, 2, 3})
		_, err := Open(&bad, nil)
		assert.ErrorIs(t, err, ErrInvalidKeyMaterial)
	})

	t.Run("ShortIV", func(t *testing.T) {
		bad := *env
		bad.IV = util.Base64Encode(make([]byte, 8))
		_, err := Open(&bad, key)
		assert.ErrorIs(t, err, ErrInvalidEnvelopeGeometry)
	})

	t.Run("ShortTag", func(t *testing.T) {
		bad := *env
		bad.AuthTag = util.Base64Encode(make([]byte, 12))
		_, err := Open(&bad, key)
		assert.ErrorIs(t, err, ErrInvalidEnvelopeGeometry)
	})
}

func TestCorruptPlaintext(t *testing.T) {
	key, _ := util.NewAESKey()
	iv, ct, tag, err := util.SealGCM([]byte("not json"), key, nil)
	require.NoError(t, err)
	env := &Envelope{
		Schema:    SchemaPayloadV1,
		Timestamp: time.Now().Unix(),
		IV:        util.Base64Encode(iv),
		Encrypted: util.Base64Encode(ct),
		AuthTag:   util.Base64Encode(tag),
	}
	_, err = Open(env, key)
	assert.ErrorIs(t, err, ErrCorruptPlaintext)
}

func TestSealRejects(t *testing.T) {
	key, _ := util.NewAESKey()

	_, err := Seal([]byte("{"), key)
	assert.ErrorIs(t, err, ErrInvalidPlaintext)

	_, err = Seal([]byte(`{}`), key[:16])
	assert.ErrorIs(t, err, ErrInvalidKeyMaterial)

	_, err = Seal([]byte(`{}`), key, WithSchema("other@1"))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestParse(t *testing.T) {
	key, _ := util.NewAESKey()
	env, err := Seal([]byte(`{"x":1}`), key)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, env, parsed)

	for _, in := range []string{`{"foo":"bar"}`, `[1,2]`, `not json`, `{"schema":"medical-record-payload@1","iv":"AA=="}`} {
		_, err := Parse([]byte(in))
		assert.ErrorIs(t, err, ErrMalformedEnvelope, in)
	}
}

func TestMetaHash(t *testing.T) {
	key, _ := util.NewAESKey()
	env, err := Seal([]byte(`{"a":1}`), key)
	require.NoError(t, err)

	h1, err := MetaHash(env)
	require.NoError(t, err)
	h2, err := MetaHash(env)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	hexed, err := MetaHashHex(env)
	require.NoError(t, err)
	assert.Len(t, hexed, 66)
	assert.True(t, strings.HasPrefix(hexed, "0x"))

	env.Timestamp++
	h3, _ := MetaHash(env)
	assert.NotEqual(t, h1, h3)
}
