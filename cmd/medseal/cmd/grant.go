package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/medseal/accesskey"
	"github.com/jmcleod/medseal/records"
)

var (
	grantChain      chainFlags
	grantDoctor     string
	grantRecords    []string
	grantDays       int
	grantLegacyKeys []string
	grantFromBlock  uint64
)

type grantOutput struct {
	Bundle  string         `json:"bundle"`
	Records []grantOutcome `json:"records"`
}

type grantOutcome struct {
	RecordID   string `json:"recordId"`
	ExpiryDate string `json:"expiryDate"`
	Registered bool   `json:"registered"`
	Error      string `json:"error,omitempty"`
}

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant a doctor access to records",
	Long: `Sign one consent per record for --doctor, register each on-chain and print
the encoded access bundle. Without --record every unrevoked record owned by
the wallet is shared. A failed registration is reported but the grant stays
in the bundle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, closeChain, err := grantChain.dial(ctx)
		if err != nil {
			return err
		}
		defer closeChain()
		signer, err := grantChain.signer()
		if err != nil {
			return err
		}

		req := records.GrantRequest{
			Doctor:     grantDoctor,
			ExpiryDays: grantDays,
			FromBlock:  grantFromBlock,
			LegacyKeys: make(map[string]string),
		}
		for _, raw := range grantRecords {
			id, err := accesskey.ParseRecordID(raw)
			if err != nil {
				return err
			}
			req.RecordIDs = append(req.RecordIDs, id)
		}
		for _, kv := range grantLegacyKeys {
			id, key, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("--legacy-key wants <recordId>=<hex key>, got %q", kv)
			}
			parsed, err := accesskey.ParseRecordID(id)
			if err != nil {
				return err
			}
			req.LegacyKeys[parsed.String()] = strings.TrimSpace(key)
		}

		issuer := accesskey.NewIssuer(grantChain.domain(), signer)
		bundle, outcomes, grantErr := records.NewGranter(issuer, client, records.WithLogger(newLogger())).Grant(ctx, req)
		if bundle == nil {
			return grantErr
		}
		encoded, err := accesskey.Encode(bundle)
		if err != nil {
			return err
		}

		out := grantOutput{Bundle: encoded}
		for _, o := range outcomes {
			row := grantOutcome{RecordID: o.Grant.RecordID, ExpiryDate: o.Grant.ExpiryDate, Registered: o.Registered}
			if o.Err != nil {
				row.Error = o.Err.Error()
			}
			out.Records = append(out.Records, row)
		}
		if err := printJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
		// A partial bundle is still printed so the registered grants are not lost.
		return grantErr
	},
}

func init() {
	rootCmd.AddCommand(grantCmd)
	grantChain.register(grantCmd)
	grantCmd.Flags().StringVar(&grantDoctor, "doctor", "", "Doctor wallet address")
	grantCmd.Flags().StringSliceVar(&grantRecords, "record", nil, "Record id to share (repeatable)")
	grantCmd.Flags().IntVar(&grantDays, "days", 30, "Days until the grant expires")
	grantCmd.Flags().StringSliceVar(&grantLegacyKeys, "legacy-key", nil, "Per-upload key as <recordId>=<hex> (repeatable)")
	grantCmd.Flags().Uint64Var(&grantFromBlock, "from-block", 0, "First block scanned when listing records")
	grantCmd.MarkFlagRequired("doctor")
}
