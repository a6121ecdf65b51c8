package cmd

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/jmcleod/medseal/keys"
)

var keygenWallet bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a master key",
	Long: `Generate a random 32-byte master key as 64 hex characters, suitable for
MASTER_KEY. With --wallet, also generate a secp256k1 wallet key for signing
consents and sending transactions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		master, err := keys.GenerateMasterKey()
		if err != nil {
			return err
		}
		out := map[string]string{"masterKey": master}
		if keygenWallet {
			pk, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			out["address"] = crypto.PubkeyToAddress(pk.PublicKey).Hex()
			out["privateKey"] = hexutil.Encode(crypto.FromECDSA(pk))
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().BoolVar(&keygenWallet, "wallet", false, "Also generate a wallet key pair")
}
