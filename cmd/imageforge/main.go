package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "imageforge",
	Short: "Credit ledger and image job pipeline",
	Long: `imageforge runs the storefront backend: the HTTP API, the watermark
queue processor and the optional Telegram notifier.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
			_ = os.Setenv("CONFIG_ENV_PATH", envFile)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("env-file", "", "Path to a .env file (overrides CONFIG_ENV_PATH)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
