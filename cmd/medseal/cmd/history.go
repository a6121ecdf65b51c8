package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/jmcleod/medseal/chain"
	"github.com/jmcleod/medseal/records"
)

var (
	historyChain     chainFlags
	historyKeys      keyFlags
	historyStore     storeFlags
	historyOwner     string
	historyFromBlock uint64
	historyConsents  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List a patient's records and consents",
	Long: `List the unrevoked records of --owner (default: the wallet address), newest
first, decrypting each with the master key. With --consents, the consent
history rebuilt from contract events is printed as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, closeChain, err := historyChain.dial(ctx)
		if err != nil {
			return err
		}
		defer closeChain()

		owner := client.From()
		if historyOwner != "" {
			if !common.IsHexAddress(historyOwner) {
				return fmt.Errorf("--owner %q is not an address", historyOwner)
			}
			owner = common.HexToAddress(historyOwner)
		}
		if owner == (common.Address{}) {
			return fmt.Errorf("pass --owner or configure the patient's wallet")
		}

		provider, release, err := optionalProvider(cmd, &historyKeys)
		if err != nil {
			return err
		}
		defer release()

		viewer := records.NewViewer(client, historyStore.fetcher(), provider, records.WithLogger(newLogger()))
		report, err := viewer.History(ctx, owner, historyFromBlock)
		if err != nil {
			return err
		}
		out := map[string]any{
			"patient": report.Patient,
			"records": reportItems(report),
		}

		if historyConsents {
			res, err := chain.ConsentHistory(ctx, client, historyFromBlock)
			if err != nil {
				return err
			}
			var mine []chain.ConsentEvent
			for _, e := range res.Events {
				if e.Patient == owner {
					mine = append(mine, e)
				}
			}
			out["consents"] = mine
			out["lookups"] = res.Outcomes
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyChain.register(historyCmd)
	historyKeys.register(historyCmd, false)
	historyStore.register(historyCmd)
	historyCmd.Flags().StringVar(&historyOwner, "owner", "", "Patient address (default: the wallet address)")
	historyCmd.Flags().Uint64Var(&historyFromBlock, "from-block", 0, "First block scanned")
	historyCmd.Flags().BoolVar(&historyConsents, "consents", false, "Include consent history from events")
}
