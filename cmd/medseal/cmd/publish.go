package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jmcleod/medseal/records"
)

var (
	publishChain chainFlags
	publishKeys  keyFlags
	publishStore storeFlags
	publishDoc   documentFlags
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Seal, pin and register a record",
	Long: `Seal a metadata document, pin the envelope and create the on-chain record
owned by the sending wallet. Attachments must already be pinned as raw files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()

		doc, err := publishDoc.build(cmd)
		if err != nil {
			return err
		}
		client, closeChain, err := publishChain.dial(ctx)
		if err != nil {
			return err
		}
		defer closeChain()
		signer, err := publishChain.signer()
		if err != nil {
			return err
		}
		provider, release, err := publishKeys.provider(ctx)
		if err != nil {
			return err
		}
		defer release()
		store, closeStore, err := publishStore.open(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer closeStore()

		pub, err := records.NewPublisher(provider, store, client, records.WithLogger(logger)).Publish(ctx, signer.Address(), doc)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), pub)
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishChain.register(publishCmd)
	publishKeys.register(publishCmd, true)
	publishStore.register(publishCmd)
	publishDoc.register(publishCmd)
}
