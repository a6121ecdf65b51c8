package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmcleod/medseal/accesskey"
	"github.com/jmcleod/medseal/chain/ethereum"
	"github.com/jmcleod/medseal/config"
	"github.com/jmcleod/medseal/content"
	badgercontent "github.com/jmcleod/medseal/content/badger"
	bboltcontent "github.com/jmcleod/medseal/content/bbolt"
	"github.com/jmcleod/medseal/content/gateway"
	"github.com/jmcleod/medseal/content/pinata"
	pgcontent "github.com/jmcleod/medseal/content/postgres"
	"github.com/jmcleod/medseal/keys"
)

// env returns the first non-empty value among NEXT_PUBLIC_<name> and <name>.
func env(name string) string {
	if v := strings.TrimSpace(os.Getenv("NEXT_PUBLIC_" + name)); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(name))
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// chainFlags selects the contract and the sending wallet. Unset flags fall
// back to RPC_URL, CONTRACT_ADDRESS, CHAIN_ID and PRIVATE_KEY.
type chainFlags struct {
	rpcURL     string
	contract   string
	chainID    int64
	privateKey string
}

func (f *chainFlags) register(cmd *cobra.Command) {
	f.bind(cmd.Flags())
}

func (f *chainFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.rpcURL, "rpc-url", "", "JSON-RPC endpoint (default $RPC_URL)")
	fs.StringVar(&f.contract, "contract", "", "Medical records contract address (default $CONTRACT_ADDRESS)")
	fs.Int64Var(&f.chainID, "chain-id", 0, "Expected chain id (default $CHAIN_ID)")
	fs.StringVar(&f.privateKey, "private-key", "", "Hex secp256k1 key of the sending wallet (default $PRIVATE_KEY)")
}

func (f *chainFlags) resolve() error {
	if f.rpcURL == "" {
		f.rpcURL = env("RPC_URL")
	}
	if f.contract == "" {
		f.contract = env("CONTRACT_ADDRESS")
	}
	if f.chainID == 0 {
		if raw := env("CHAIN_ID"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("CHAIN_ID %q is not an integer", raw)
			}
			f.chainID = id
		}
	}
	if f.privateKey == "" {
		f.privateKey = os.Getenv("PRIVATE_KEY")
	}
	switch {
	case f.rpcURL == "":
		return fmt.Errorf("--rpc-url or RPC_URL is required")
	case !common.IsHexAddress(f.contract):
		return fmt.Errorf("--contract or CONTRACT_ADDRESS must be a 0x address, got %q", f.contract)
	case f.chainID == 0:
		return fmt.Errorf("--chain-id or CHAIN_ID is required")
	}
	return nil
}

func (f *chainFlags) domain() accesskey.Domain {
	return accesskey.Domain{ChainID: f.chainID, VerifyingContract: common.HexToAddress(f.contract)}
}

// signer parses the wallet key. It fails when no key is configured.
func (f *chainFlags) signer() (*accesskey.KeySigner, error) {
	if f.privateKey == "" {
		return nil, fmt.Errorf("--private-key or PRIVATE_KEY is required")
	}
	return accesskey.ParseKeySigner(f.privateKey)
}

// dial connects to the contract. With a configured wallet the client can
// send transactions; otherwise it is read-only.
func (f *chainFlags) dial(ctx context.Context) (*ethereum.Client, func(), error) {
	if err := f.resolve(); err != nil {
		return nil, nil, err
	}
	var opts []ethereum.Option
	if f.privateKey != "" {
		s, err := f.signer()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, ethereum.WithTransactor(s.PrivateKey()))
	}
	c, rpc, err := ethereum.Dial(ctx, f.rpcURL, common.HexToAddress(f.contract), f.chainID, opts...)
	if err != nil {
		return nil, nil, err
	}
	return c, rpc.Close, nil
}

// keyFlags selects where the symmetric key comes from.
type keyFlags struct {
	key       string
	configURL string
	perUpload bool
}

func (f *keyFlags) register(cmd *cobra.Command, allowPerUpload bool) {
	cmd.Flags().StringVar(&f.key, "key", "", "Hex AES-256 key (default $MASTER_KEY)")
	cmd.Flags().StringVar(&f.configURL, "config-url", "", "Trusted configuration endpoint serving the master key")
	if allowPerUpload {
		cmd.Flags().BoolVar(&f.perUpload, "per-upload", false, "Generate a fresh key instead of using the master key")
	}
}

// provider returns the key provider and a release func.
func (f *keyFlags) provider(ctx context.Context) (keys.Provider, func(), error) {
	switch {
	case f.perUpload:
		return keys.PerUpload{}, func() {}, nil
	case f.key != "":
		p, err := keys.NewStatic(f.key)
		return p, func() {}, err
	case f.configURL != "":
		cc := config.NewContext(config.NewHTTPSource(f.configURL))
		if err := cc.Init(ctx); err != nil {
			cc.Release()
			return nil, nil, err
		}
		return keys.NewGlobal(cc), cc.Release, nil
	case env("MASTER_KEY") != "":
		p, err := keys.NewStatic(env("MASTER_KEY"))
		return p, func() {}, err
	default:
		return nil, nil, fmt.Errorf("no key: pass --key, --config-url or set MASTER_KEY")
	}
}

// storeFlags selects the content store.
type storeFlags struct {
	gatewayURL  string
	dataDir     string
	engine      string
	postgresDSN string
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.gatewayURL, "gateway", "", "IPFS gateway URL (default $GATEWAY_URL or "+gateway.DefaultURL+")")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "./data", "Directory for the local content store used without Pinata credentials")
	cmd.Flags().StringVar(&f.engine, "engine", "bbolt", "Local content store engine: bbolt or badger")
	cmd.Flags().StringVar(&f.postgresDSN, "postgres-dsn", "", "PostgreSQL DSN for the content store (default $DATABASE_URL)")
}

func pinataCredentials() pinata.Credentials {
	return pinata.Credentials{
		JWT:       os.Getenv("PINATA_JWT"),
		APIKey:    os.Getenv("PINATA_API_KEY"),
		APISecret: os.Getenv("PINATA_SECRET"),
	}
}

func (f *storeFlags) fetcher() *gateway.Fetcher {
	u := f.gatewayURL
	if u == "" {
		u = os.Getenv("GATEWAY_URL")
	}
	return gateway.New(u)
}

// open returns Pinata when credentials are configured, PostgreSQL when a
// DSN is, and the local bbolt store otherwise.
func (f *storeFlags) open(ctx context.Context, logger *slog.Logger) (content.Store, func(), error) {
	if creds := pinataCredentials(); creds.Configured() {
		return pinata.New(creds, pinata.WithFetcher(f.fetcher())), func() {}, nil
	}
	dsn := f.postgresDSN
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn != "" {
		s, err := pgcontent.NewStoreFromDSN(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open content store: %w", err)
		}
		logger.Info("using PostgreSQL content store")
		return s, s.Close, nil
	}
	logger.Warn("no Pinata credentials; using local content store",
		slog.String("hint", "set PINATA_JWT or PINATA_API_KEY/PINATA_SECRET"),
		slog.String("data_dir", f.dataDir))
	if err := os.MkdirAll(f.dataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	switch f.engine {
	case "", "bbolt":
		s, err := bboltcontent.NewStoreFromFile(filepath.Join(f.dataDir, "content.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open content store: %w", err)
		}
		return s, func() { s.Close() }, nil
	case "badger":
		s, err := badgercontent.Open(filepath.Join(f.dataDir, "content.badger"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open content store: %w", err)
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown --engine %q: want bbolt or badger", f.engine)
	}
}

// readInput reads a value given inline, as @path, or as "-" for stdin.
func readInput(cmd *cobra.Command, v string) ([]byte, error) {
	switch {
	case v == "-":
		return io.ReadAll(cmd.InOrStdin())
	case strings.HasPrefix(v, "@"):
		return os.ReadFile(v[1:])
	default:
		return []byte(v), nil
	}
}
