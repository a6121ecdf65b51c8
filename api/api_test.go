package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medseal/api"
	"github.com/jmcleod/medseal/config"
	"github.com/jmcleod/medseal/content"
	"github.com/jmcleod/medseal/content/memory"
	"github.com/jmcleod/medseal/content/pinata"
	"github.com/jmcleod/medseal/envelope"
	"github.com/jmcleod/medseal/keys"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func completeConfig() (*config.Config, error) {
	c := &config.Config{
		ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		ChainID:         11155111,
		NetworkName:     "Sepolia",
		MasterKey:       testMasterKey,
	}
	return c, c.Validate()
}

func setupServer(t *testing.T, store content.Store, opts ...api.Option) *httptest.Server {
	t.Helper()
	opts = append([]api.Option{
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		api.WithConfigLoader(completeConfig),
	}, opts...)
	a := api.New(store, opts...)
	r := chi.NewRouter()
	r.Use(api.SecurityHeaders)
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, header http.Header) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func sealedEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	key, err := keys.ParseHexKey(testMasterKey)
	require.NoError(t, err)
	env, err := envelope.SealDocument(envelope.NewMetadataDocument("", "bloodwork", "", nil, ""), key)
	require.NoError(t, err)
	return env
}

func TestHealth(t *testing.T) {
	srv := setupServer(t, memory.NewStore())
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	body := decode[api.HealthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.Time)
}

func TestConfig(t *testing.T) {
	t.Run("Complete", func(t *testing.T) {
		srv := setupServer(t, memory.NewStore())
		resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/config", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		cfg := decode[config.Config](t, resp)
		assert.Equal(t, int64(11155111), cfg.ChainID)
		assert.Equal(t, testMasterKey, cfg.MasterKey)
	})

	t.Run("Incomplete", func(t *testing.T) {
		loader := func() (*config.Config, error) {
			c := &config.Config{ChainID: 1, MasterKey: testMasterKey}
			return c, c.Validate()
		}
		srv := setupServer(t, memory.NewStore(), api.WithConfigLoader(loader))
		resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/config", nil, nil)
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		body := decode[api.ConfigErrorResponse](t, resp)
		assert.Equal(t, "configuration incomplete", body.Error)
		assert.True(t, body.Missing["contractAddress"])
		assert.True(t, body.Missing["networkName"])
		assert.False(t, body.Missing["masterKey"])
	})

	t.Run("BadMasterKey", func(t *testing.T) {
		loader := func() (*config.Config, error) {
			c := &config.Config{ContractAddress: "0x1", ChainID: 1, NetworkName: "n", MasterKey: "abc"}
			return c, c.Validate()
		}
		srv := setupServer(t, memory.NewStore(), api.WithConfigLoader(loader))
		resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/config", nil, nil)
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		body := decode[api.ConfigErrorResponse](t, resp)
		assert.Equal(t, "invalid master key", body.Error)
		assert.Empty(t, body.Missing)
	})
}

func TestUpload(t *testing.T) {
	store := memory.NewStore()
	srv := setupServer(t, store)
	env := sealedEnvelope(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/upload", env, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decode[api.UploadResponse](t, resp)

	want, err := envelope.MetaHashHex(env)
	require.NoError(t, err)
	assert.Equal(t, want, body.MetaHash)
	assert.NotEmpty(t, body.Timestamp)

	fetched, err := content.FetchEnvelope(context.Background(), store, body.CID)
	require.NoError(t, err)
	assert.Equal(t, *env, *fetched)
}

func TestUploadRejects(t *testing.T) {
	srv := setupServer(t, memory.NewStore())

	t.Run("MissingFields", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/upload", map[string]any{"schema": "medical-record-payload@2", "iv": ""}, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decode[api.ErrorResponse](t, resp)
		assert.Contains(t, body.Detail, "timestamp")
		assert.Contains(t, body.Detail, "iv")
		assert.Contains(t, body.Detail, "authTag")
		assert.NotContains(t, body.Detail, "schema")
	})

	t.Run("NotJSON", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/upload", "just a string", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("TooLarge", func(t *testing.T) {
		small := setupServer(t, memory.NewStore(), api.WithMaxJSONBytes(512))
		big := map[string]string{"encrypted": strings.Repeat("A", 1024)}
		resp := doJSON(t, http.MethodPost, small.URL+"/api/v1/upload", big, nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})
}

type failingStore struct {
	*memory.Store
	err error
}

func (s failingStore) PinJSON(context.Context, string, []byte) (content.PinResult, error) {
	return content.PinResult{}, s.err
}

func (s failingStore) PinFile(context.Context, string, []byte) (content.PinResult, error) {
	return content.PinResult{}, s.err
}

func TestUploadPinFailure(t *testing.T) {
	t.Run("UpstreamStatus", func(t *testing.T) {
		store := failingStore{Store: memory.NewStore(), err: &pinata.APIError{StatusCode: http.StatusUnauthorized, Body: "invalid jwt"}}
		srv := setupServer(t, store)
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/upload", sealedEnvelope(t), nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		body := decode[api.ErrorResponse](t, resp)
		assert.Equal(t, "Failed to pin payload", body.Error)
		assert.Equal(t, "invalid jwt", body.Detail)
	})

	t.Run("Transport", func(t *testing.T) {
		store := failingStore{Store: memory.NewStore(), err: errors.New("connection reset")}
		srv := setupServer(t, store)
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/upload", sealedEnvelope(t), nil)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func multipartBody(t *testing.T, field, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postMultipart(t *testing.T, url string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, url, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUploadFile(t *testing.T) {
	store := memory.NewStore()
	srv := setupServer(t, store, api.WithMaxFileBytes(1024))
	data := []byte("%PDF-1.7 scan")

	t.Run("Pinned", func(t *testing.T) {
		body, ct := multipartBody(t, "file", "scan.pdf", data)
		resp := postMultipart(t, srv.URL+"/api/v1/upload-file", body, ct)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		out := decode[api.UploadFileResponse](t, resp)
		assert.Equal(t, "scan.pdf", out.FileName)
		assert.Equal(t, "0x", out.SHA256[:2])
		assert.Len(t, out.SHA256, 66)
		assert.NoError(t, content.CheckAttachment(context.Background(), store, out.CID))
	})

	t.Run("WrongField", func(t *testing.T) {
		body, ct := multipartBody(t, "upload", "scan.pdf", data)
		resp := postMultipart(t, srv.URL+"/api/v1/upload-file", body, ct)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("TooLarge", func(t *testing.T) {
		body, ct := multipartBody(t, "file", "big.bin", bytes.Repeat([]byte{1}, 2048))
		resp := postMultipart(t, srv.URL+"/api/v1/upload-file", body, ct)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})
}

func TestGetContent(t *testing.T) {
	store := memory.NewStore()
	srv := setupServer(t, store)
	pin, err := store.PinJSON(context.Background(), "", []byte(`{"a":1}`))
	require.NoError(t, err)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/content/"+pin.CID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "immutable")
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	missing, err := content.ComputeCID([]byte("nope"))
	require.NoError(t, err)
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/content/"+missing, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/content/not-a-cid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	srv := setupServer(t, memory.NewStore(), api.WithAllowedOrigins([]string{"https://app.example"}))

	t.Run("Allowed", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/health", nil, http.Header{"Origin": {"https://app.example"}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("Preflight", func(t *testing.T) {
		resp := doJSON(t, http.MethodOptions, srv.URL+"/api/v1/upload", nil, http.Header{
			"Origin":                        {"https://app.example"},
			"Access-Control-Request-Method": {"POST"},
		})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	})

	t.Run("Rejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/health", nil, http.Header{"Origin": {"https://evil.example"}})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("NoOrigin", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, api.DefaultAllowedOrigins, api.ParseOrigins(""))
	assert.Equal(t, []string{"https://a", "https://b"}, api.ParseOrigins(" https://a, ,https://b "))
}
