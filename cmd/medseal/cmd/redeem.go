package cmd

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/jmcleod/medseal/accesskey"
	"github.com/jmcleod/medseal/keys"
	"github.com/jmcleod/medseal/records"
)

var (
	redeemChain  chainFlags
	redeemKeys   keyFlags
	redeemStore  storeFlags
	redeemCaller string
)

// optionalProvider returns nil when no key source is configured, for
// bundles that carry their own keys.
func optionalProvider(cmd *cobra.Command, f *keyFlags) (keys.Provider, func(), error) {
	if f.key == "" && f.configURL == "" && env("MASTER_KEY") == "" {
		return nil, func() {}, nil
	}
	return f.provider(cmd.Context())
}

type redeemItem struct {
	RecordID string           `json:"recordId"`
	Status   records.Status   `json:"status"`
	Reason   accesskey.Reason `json:"reason,omitempty"`
	Error    string           `json:"error,omitempty"`
	Document any              `json:"document,omitempty"`
}

func reportItems(report *records.Report) []redeemItem {
	items := make([]redeemItem, 0, len(report.Items))
	for _, it := range report.Items {
		row := redeemItem{RecordID: it.RecordID, Status: it.Status, Reason: it.Reason}
		if it.Err != nil {
			row.Error = it.Err.Error()
		}
		if it.Document != nil {
			row.Document = it.Document
		}
		items = append(items, row)
	}
	return items
}

var redeemCmd = &cobra.Command{
	Use:   "redeem <bundle>",
	Short: "Open the records in an access bundle",
	Long: `Verify every grant in an access bundle (given inline, as @file or - for
stdin) for the calling doctor and decrypt the records that pass. Each record
is reported separately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		raw, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		bundle, err := accesskey.Decode(string(raw))
		if err != nil {
			return err
		}

		client, closeChain, err := redeemChain.dial(ctx)
		if err != nil {
			return err
		}
		defer closeChain()

		caller := redeemCaller
		if caller == "" {
			if client.From() == (common.Address{}) {
				return fmt.Errorf("pass --caller or configure the doctor's wallet")
			}
			caller = client.From().Hex()
		}

		provider, release, err := optionalProvider(cmd, &redeemKeys)
		if err != nil {
			return err
		}
		defer release()

		viewer := records.NewViewer(client, redeemStore.fetcher(), provider, records.WithLogger(newLogger()))
		report := viewer.Redeem(ctx, bundle, strings.TrimSpace(caller))
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"patient": report.Patient,
			"doctor":  report.Doctor,
			"records": reportItems(report),
		})
	},
}

func init() {
	rootCmd.AddCommand(redeemCmd)
	redeemChain.register(redeemCmd)
	redeemKeys.register(redeemCmd, false)
	redeemStore.register(redeemCmd)
	redeemCmd.Flags().StringVar(&redeemCaller, "caller", "", "Doctor address the grants must name (default: the wallet address)")
}
