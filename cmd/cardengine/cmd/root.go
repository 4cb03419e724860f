package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "cardengine",
	Short: "CardEngine is a card and key management service",
	Long: `Card issuance, lifecycle, and cryptographic key management for a
national card-payment scheme. Complete documentation is available at
https://github.com/parsabank/cardengine`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
