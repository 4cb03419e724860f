package cmd

import "github.com/spf13/cobra"

var oplogCmd = &cobra.Command{
	Use:   "oplog",
	Short: "Operation log tools",
	Long:  `Commands for verifying and inspecting exported operation logs.`,
}

func init() {
	rootCmd.AddCommand(oplogCmd)
}
