package content_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medseal/content"
	"github.com/jmcleod/medseal/content/memory"
	"github.com/jmcleod/medseal/envelope"
	"github.com/jmcleod/medseal/internal/util"
)

type failingFetcher struct{ err error }

func (f failingFetcher) Fetch(context.Context, string) ([]byte, error) {
	return nil, f.err
}

func pinEnvelope(t *testing.T, s *memory.Store, key []byte, doc any) string {
	t.Helper()
	env, err := envelope.SealDocument(doc, key)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	res, err := s.PinJSON(context.Background(), "", data)
	require.NoError(t, err)
	return res.CID
}

func TestComputeCID(t *testing.T) {
	a, err := content.ComputeCID([]byte("hello"))
	require.NoError(t, err)
	b, err := content.ComputeCID([]byte("hello"))
	require.NoError(t, err)
	c, err := content.ComputeCID([]byte("hello!"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, byte('b'), a[0], "CIDv1 base32 string")

	parsed, err := content.ParseCID(a)
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = content.ParseCID("not-a-cid")
	assert.ErrorIs(t, err, content.ErrInvalidCID)
}

func TestOpenEnvelope(t *testing.T) {
	s := memory.NewStore()
	key, _ := util.NewAESKey()
	doc := envelope.NewMetadataDocument("0xabc", "bloodwork", "2025-01-01", nil, "")
	id := pinEnvelope(t, s, key, doc)

	var got envelope.MetadataDocument
	env, err := content.OpenEnvelope(context.Background(), s, id, key, &got)
	require.NoError(t, err)
	assert.Equal(t, envelope.DefaultSchema, env.Schema)
	assert.Equal(t, *doc, got)

	other, _ := util.NewAESKey()
	_, err = content.OpenEnvelope(context.Background(), s, id, other, &got)
	assert.ErrorIs(t, err, envelope.ErrDecryptionFailed)
	assert.NotErrorIs(t, err, content.ErrContentUnavailable)
}

func TestFetchEnvelopeNotAnEnvelope(t *testing.T) {
	s := memory.NewStore()
	s.Put("json", []byte(`{"foo":"bar"}`))
	s.Put("pdf", []byte("%PDF-1.7 binary"))
	s.Put("array", []byte(`[1,2,3]`))
	s.Put("partial", []byte(`{"iv":"AAAA","encrypted":"AAAA"}`))
	s.Put("no schema", []byte(`{"iv":"AAAA","encrypted":"AAAA","authTag":"AAAA"}`))

	for _, id := range []string{"json", "pdf", "array", "partial", "no schema"} {
		t.Run(id, func(t *testing.T) {
			_, err := content.FetchEnvelope(context.Background(), s, id)
			assert.ErrorIs(t, err, content.ErrNotAnEnvelope)
			assert.NotErrorIs(t, err, content.ErrContentUnavailable)
		})
	}
}

func TestFetchEnvelopeMalformed(t *testing.T) {
	s := memory.NewStore()
	key, _ := util.NewAESKey()
	sealed, err := envelope.Seal([]byte(`{"examType":"bloodwork"}`), key)
	require.NoError(t, err)

	variants := map[string]func(map[string]any){
		"empty iv":         func(m map[string]any) { m["iv"] = "" },
		"string timestamp": func(m map[string]any) { m["timestamp"] = "yesterday" },
		"future schema":    func(m map[string]any) { m["schema"] = "medical-record-payload@3" },
		"numeric authTag":  func(m map[string]any) { m["authTag"] = 42 },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			var m map[string]any
			raw, _ := json.Marshal(sealed)
			require.NoError(t, json.Unmarshal(raw, &m))
			mutate(m)
			data, _ := json.Marshal(m)
			s.Put(name, data)

			_, err := content.FetchEnvelope(context.Background(), s, name)
			assert.ErrorIs(t, err, envelope.ErrMalformedEnvelope)
			assert.NotErrorIs(t, err, content.ErrNotAnEnvelope)
			assert.NotErrorIs(t, err, content.ErrContentUnavailable)
		})
	}
}

func TestFetchEnvelopeUnavailable(t *testing.T) {
	_, err := content.FetchEnvelope(context.Background(), memory.NewStore(), "missing")
	assert.ErrorIs(t, err, content.ErrContentUnavailable)
	assert.ErrorIs(t, err, content.ErrNotFound)

	boom := errors.New("connection reset")
	_, err = content.FetchEnvelope(context.Background(), failingFetcher{err: boom}, "x")
	assert.ErrorIs(t, err, content.ErrContentUnavailable)
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = content.FetchEnvelope(ctx, memory.NewStore(), "x")
	assert.ErrorIs(t, err, content.ErrContentUnavailable)
}

func TestCheckAttachment(t *testing.T) {
	s := memory.NewStore()
	key, _ := util.NewAESKey()

	file, err := s.PinFile(context.Background(), "scan.png", []byte("\x89PNG raw bytes"))
	require.NoError(t, err)
	require.NoError(t, content.CheckAttachment(context.Background(), s, file.CID))

	data, err := content.FetchAttachment(context.Background(), s, file.CID)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG raw bytes"), data)

	meta := pinEnvelope(t, s, key, map[string]string{"examType": "xray"})
	err = content.CheckAttachment(context.Background(), s, meta)
	assert.ErrorIs(t, err, content.ErrAttachmentIsEnvelope)

	assert.ErrorIs(t, content.CheckAttachment(context.Background(), s, "missing"), content.ErrContentUnavailable)
}
