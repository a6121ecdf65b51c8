package config

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/medseal/keys"
)

var testMasterKey = strings.Repeat("ab", 32)

func validConfig() Config {
	return Config{
		ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		ChainID:         11155111,
		NetworkName:     "sepolia",
		MasterKey:       testMasterKey,
	}
}

func TestValidate(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())

	c.NetworkName = ""
	c.ChainID = 0
	err := c.Validate()
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Contains(t, err.Error(), "chainId, networkName")

	c = validConfig()
	c.MasterKey = "abc"
	err = c.Validate()
	assert.ErrorIs(t, err, ErrInvalidMasterKey)
	assert.ErrorIs(t, err, keys.ErrInvalidKeyMaterial)
}

func TestPublicStripsMasterKey(t *testing.T) {
	c := validConfig()
	p := c.Public()
	assert.Empty(t, p.MasterKey)
	assert.Equal(t, testMasterKey, c.MasterKey)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "masterKey")
}

func TestFromEnv(t *testing.T) {
	t.Setenv("NEXT_PUBLIC_CONTRACT_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("CONTRACT_ADDRESS", "0x2222222222222222222222222222222222222222")
	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("NETWORK_NAME", "localhost")
	t.Setenv("MASTER_KEY", testMasterKey)
	t.Setenv("NEXT_PUBLIC_MASTER_KEY", "")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", c.ContractAddress)
	assert.EqualValues(t, 31337, c.ChainID)
	assert.Equal(t, testMasterKey, c.MasterKey)
}

func TestFromEnvReportsMissing(t *testing.T) {
	for _, name := range []string{"CONTRACT_ADDRESS", "CHAIN_ID", "NETWORK_NAME", "MASTER_KEY"} {
		t.Setenv(name, "")
		t.Setenv("NEXT_PUBLIC_"+name, "")
	}
	t.Setenv("NETWORK_NAME", "sepolia")

	c, err := FromEnv()
	require.ErrorIs(t, err, ErrIncomplete)
	require.NotNil(t, c)
	missing := c.Missing()
	assert.True(t, missing["masterKey"])
	assert.True(t, missing["chainId"])
	assert.False(t, missing["networkName"])
}

func TestFromEnvBadChainID(t *testing.T) {
	t.Setenv("CHAIN_ID", "mainnet")
	t.Setenv("NEXT_PUBLIC_CHAIN_ID", "")
	_, err := FromEnv()
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestLoadEnvFile(t *testing.T) {
	require.NoError(t, LoadEnvFile(""))
	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MEDSEAL_TEST_NETWORK=holesky\n"), 0o600))
	t.Setenv("MEDSEAL_TEST_NETWORK", "")
	os.Unsetenv("MEDSEAL_TEST_NETWORK")

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "holesky", os.Getenv("MEDSEAL_TEST_NETWORK"))
}

func configServer(t *testing.T, status int, body any, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSource(t *testing.T) {
	srv := configServer(t, http.StatusOK, validConfig(), nil)
	c, err := NewHTTPSource(srv.URL).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, validConfig(), *c)
}

func TestHTTPSourceFailures(t *testing.T) {
	incomplete := validConfig()
	incomplete.MasterKey = ""

	tests := []struct {
		name   string
		status int
		body   any
	}{
		{"server error", http.StatusInternalServerError, map[string]string{"error": "Configuration incomplete"}},
		{"incomplete", http.StatusOK, incomplete},
		{"not json", http.StatusOK, "plain string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := configServer(t, tt.status, tt.body, nil)
			_, err := NewHTTPSource(srv.URL).Load(context.Background())
			assert.ErrorIs(t, err, ErrConfigurationUnavailable)
		})
	}
}

func TestHTTPSourceTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	_, err := NewHTTPSource(srv.URL, WithTimeout(50*time.Millisecond)).Load(context.Background())
	require.ErrorIs(t, err, ErrConfigurationUnavailable)
	assert.Contains(t, err.Error(), "timed out")
}

type countingSource struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
	cfg   Config
}

func (s *countingSource) Load(context.Context) (*Config, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	s.mu.Unlock()
	time.Sleep(s.delay)
	if err != nil {
		return nil, err
	}
	c := s.cfg
	return &c, nil
}

func (s *countingSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestContextSingleFetch(t *testing.T) {
	src := &countingSource{cfg: validConfig(), delay: 20 * time.Millisecond}
	c := NewContext(src)
	defer c.Release()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Init(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, c.Init(context.Background()))
	assert.Equal(t, 1, src.Calls())

	cfg, err := c.Config(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cfg.MasterKey)
	assert.Equal(t, "sepolia", cfg.NetworkName)

	key, err := c.MasterKey(context.Background())
	require.NoError(t, err)
	expected, _ := keys.ParseHexKey(testMasterKey)
	assert.Equal(t, expected, key)
}

func TestContextFailureIsRetried(t *testing.T) {
	src := &countingSource{cfg: validConfig(), err: errors.New("connection refused")}
	c := NewContext(src)
	defer c.Release()

	err := c.Init(context.Background())
	require.ErrorIs(t, err, ErrConfigurationUnavailable)

	_, err = c.MasterKey(context.Background())
	require.ErrorIs(t, err, ErrConfigurationUnavailable)

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	require.NoError(t, c.Init(context.Background()))
	assert.Equal(t, 3, src.Calls())
}

func TestContextRejectsBadMasterKey(t *testing.T) {
	cfg := validConfig()
	cfg.MasterKey = "not-a-key"
	c := NewContext(&countingSource{cfg: cfg})
	defer c.Release()

	_, err := c.MasterKey(context.Background())
	assert.ErrorIs(t, err, ErrConfigurationUnavailable)
	assert.ErrorIs(t, err, keys.ErrInvalidKeyMaterial)
}

func TestContextRefCounting(t *testing.T) {
	c := NewContext(StaticSource{Config: validConfig()})
	require.NoError(t, c.Init(context.Background()))

	c.Retain()
	assert.Equal(t, 2, c.Refs())

	c.Release()
	_, err := c.MasterKey(context.Background())
	require.NoError(t, err, "one reference still held")

	c.Release()
	assert.Equal(t, 0, c.Refs())
	_, err = c.MasterKey(context.Background())
	assert.ErrorIs(t, err, ErrContextReleased)
	assert.ErrorIs(t, c.Init(context.Background()), ErrContextReleased)

	c.Release()
	c.Retain()
	assert.Equal(t, 0, c.Refs())
}

func TestGlobalProviderOverContext(t *testing.T) {
	c := NewContext(StaticSource{Config: validConfig()})
	defer c.Release()

	m, err := keys.NewGlobal(c).Key(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keys.ModeGlobal, m.Mode())
	assert.Equal(t, testMasterKey, m.Hex())
}
