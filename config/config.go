// Package config loads the trusted client configuration (contract address,
// chain, network and global master key) and holds it for the lifetime of a
// reference-counted Context.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/jmcleod/medseal/keys"
)

var (
	// ErrConfigurationUnavailable is returned when the configuration could
	// not be fetched or was malformed. Callers must treat it as fatal for any
	// encrypt or decrypt attempt.
	ErrConfigurationUnavailable = errors.New("configuration unavailable")
	// ErrIncomplete indicates required configuration values are unset.
	ErrIncomplete = errors.New("configuration incomplete")
	// ErrInvalidMasterKey indicates the master key is not 64 hex characters.
	ErrInvalidMasterKey = errors.New("invalid master key")
)

// Config is the payload served by the trusted configuration endpoint.
type Config struct {
	ContractAddress  string `json:"contractAddress"`
	ChainID          int64  `json:"chainId"`
	NetworkName      string `json:"networkName"`
	MasterKey        string `json:"masterKey,omitempty"`
	RPCURL           string `json:"rpcUrl,omitempty"`
	BlockExplorerURL string `json:"blockExplorerUrl,omitempty"`
}

// Missing reports which required values are unset, keyed by JSON name.
func (c *Config) Missing() map[string]bool {
	return map[string]bool{
		"contractAddress": c.ContractAddress == "",
		"chainId":         c.ChainID == 0,
		"networkName":     c.NetworkName == "",
		"masterKey":       c.MasterKey == "",
	}
}

// Validate checks that every required value is present and that the master
// key decodes to 32 bytes.
func (c *Config) Validate() error {
	var missing []string
	for name, unset := range c.Missing() {
		if unset {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, ", "))
	}
	if _, err := keys.ParseHexKey(c.MasterKey); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMasterKey, err)
	}
	return nil
}

// Public returns a copy of c without the master key.
func (c Config) Public() Config {
	c.MasterKey = ""
	return c
}

// LoadEnvFile loads a .env file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// FromEnv reads the configuration from the environment. Each value is looked
// up as NEXT_PUBLIC_<NAME> first and then <NAME>. The returned Config is
// always non-nil so callers can report which values are missing.
func FromEnv() (*Config, error) {
	c := &Config{
		ContractAddress:  lookup("CONTRACT_ADDRESS"),
		NetworkName:      lookup("NETWORK_NAME"),
		MasterKey:        lookup("MASTER_KEY"),
		RPCURL:           lookup("RPC_URL"),
		BlockExplorerURL: lookup("BLOCK_EXPLORER_URL"),
	}
	if raw := lookup("CHAIN_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c, fmt.Errorf("%w: CHAIN_ID %q is not an integer", ErrIncomplete, raw)
		}
		c.ChainID = id
	}
	return c, c.Validate()
}

func lookup(name string) string {
	if v := strings.TrimSpace(os.Getenv("NEXT_PUBLIC_" + name)); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(name))
}
