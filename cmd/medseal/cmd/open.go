package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/medseal/content"
	"github.com/jmcleod/medseal/envelope"
)

var (
	openKeys  keyFlags
	openStore storeFlags
	openInput string
)

var openCmd = &cobra.Command{
	Use:   "open [cid]",
	Short: "Decrypt an envelope",
	Long: `Decrypt an envelope fetched by content id through the gateway, or read
from --in (JSON, @file or - for stdin). The plaintext JSON is written to
stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (len(args) == 1) == (openInput != "") {
			return fmt.Errorf("pass either a content id or --in")
		}
		provider, release, err := openKeys.provider(cmd.Context())
		if err != nil {
			return err
		}
		defer release()
		key, err := provider.Key(cmd.Context())
		if err != nil {
			return err
		}
		defer key.Wipe()

		var env *envelope.Envelope
		if len(args) == 1 {
			env, err = content.FetchEnvelope(cmd.Context(), openStore.fetcher(), args[0])
		} else {
			var raw []byte
			if raw, err = readInput(cmd, openInput); err == nil {
				env, err = envelope.Parse(raw)
			}
		}
		if err != nil {
			return err
		}

		plain, err := envelope.Open(env, key.Bytes())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), json.RawMessage(plain))
	},
}

func init() {
	rootCmd.AddCommand(openCmd)
	openKeys.register(openCmd, false)
	openStore.register(openCmd)
	openCmd.Flags().StringVar(&openInput, "in", "", "Envelope JSON, @file or - for stdin")
}
