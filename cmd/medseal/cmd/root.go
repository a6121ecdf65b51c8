package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/medseal/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:   "medseal",
	Short: "medseal encrypts medical records and shares them through on-chain consent",
	Long: `Seal medical record metadata under AES-256-GCM, pin it to IPFS, anchor it
on-chain and hand doctors signed, expiring access bundles.
Complete documentation is available at https://github.com/jmcleod/medseal`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadEnvFile(envFile)
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before running (missing file is ignored)")
}
