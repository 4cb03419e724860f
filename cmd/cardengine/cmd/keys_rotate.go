package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	rotateOperator   string
	rotateJSONOutput bool
)

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the zone key hierarchy",
	Long: `Generates fresh zone keys on the HSM, re-wraps dependent keys, and
swaps the active handles. The swap is all-or-nothing: any failure leaves
the previous hierarchy in place. The rotation is recorded in the
operation log at CRITICAL priority under the given operator.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, cleanup, err := openKeyManager(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		before := keys.Status()
		if err := keys.RotateZoneKeys(cmd.Context(), rotateOperator); err != nil {
			return fmt.Errorf("rotation failed: %w", err)
		}
		after := keys.Status()

		if rotateJSONOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(after)
		}
		fmt.Println("Zone keys rotated.")
		for _, keyType := range []string{"ZMK", "ZPK", "ZDK"} {
			fmt.Printf("  %-4s %s -> %s\n", keyType,
				before.ZoneKeys[keyType].Handle, after.ZoneKeys[keyType].Handle)
		}
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysRotateCmd)
	keysRotateCmd.Flags().StringVar(&rotateOperator, "operator", "", "Operator ID recorded in the operation log")
	keysRotateCmd.Flags().BoolVar(&rotateJSONOutput, "json", false, "Output the post-rotation status as JSON")
	keysRotateCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to an env file loaded before the environment")
	keysRotateCmd.MarkFlagRequired("operator")
}
