package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/parsabank/cardengine/keymgr"
)

var (
	ceremonyType         string
	ceremonyParticipants []string
	ceremonyTimeout      time.Duration
	ceremonyAssumeYes    bool
)

var keysCeremonyCmd = &cobra.Command{
	Use:   "ceremony",
	Short: "Run a quorum key rotation ceremony",
	Long: `Runs a key ceremony from the terminal. Each participant is given as
id:name:role, where role is KEY_HOLDER, ADMIN, or OBSERVER. Key holders
and admins receive shares and must confirm in turn at the prompt;
observers witness without confirming. A single decline, or the
confirmation timeout, aborts the ceremony and discards the generated
keys.`,
	Example: `  cardengine keys ceremony --type ZPK_ROTATION \
    --participant p1:"Sara Ahmadi":KEY_HOLDER \
    --participant p2:"Reza Karimi":KEY_HOLDER \
    --participant p3:"Leila Moradi":ADMIN \
    --participant aud1:"Auditor":OBSERVER`,
	RunE: func(cmd *cobra.Command, args []string) error {
		participants, err := parseParticipants(ceremonyParticipants)
		if err != nil {
			return err
		}

		keys, cleanup, err := openKeyManager(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		ceremony, err := keys.BeginCeremony(cmd.Context(), keymgr.CeremonyType(ceremonyType), participants)
		if err != nil {
			return err
		}

		fmt.Printf("Ceremony started (%s). Shares distributed:\n", ceremonyType)
		for _, share := range ceremony.Shares() {
			fmt.Printf("  %-10s %-12s -> %s\n", share.KeyType, share.ParticipantID, share.ShareID)
		}

		reader := bufio.NewReader(os.Stdin)
		for _, p := range participants {
			if p.Role == keymgr.RoleObserver {
				continue
			}
			if !ceremonyAssumeYes {
				fmt.Printf("%s (%s, %s) confirm receipt of shares? [y/N]: ", p.Name, p.ID, p.Role)
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("failed to read confirmation: %w", err)
				}
				if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
					if err := ceremony.Decline(p.ID, "declined at terminal"); err != nil {
						return err
					}
					return fmt.Errorf("ceremony aborted: %s declined", p.ID)
				}
			}
			if err := ceremony.Confirm(p.ID); err != nil {
				return err
			}
		}

		if err := ceremony.AwaitConfirmations(cmd.Context(), ceremonyTimeout); err != nil {
			return err
		}
		fmt.Println("Ceremony committed; new keys are active.")
		printStatusReport(keys.Status())
		return nil
	},
}

// parseParticipants splits id:name:role triples. Names may contain colons
// only if quoted by the shell; the last segment is always the role.
func parseParticipants(specs []string) ([]keymgr.Participant, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one --participant is required")
	}
	participants := make([]keymgr.Participant, 0, len(specs))
	for _, s := range specs {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid participant %q: want id:name:role", s)
		}
		role := strings.ToUpper(strings.TrimSpace(parts[2]))
		switch role {
		case keymgr.RoleKeyHolder, keymgr.RoleAdmin, keymgr.RoleObserver:
		default:
			return nil, fmt.Errorf("invalid participant role %q", parts[2])
		}
		participants = append(participants, keymgr.Participant{
			ID:   strings.TrimSpace(parts[0]),
			Name: strings.TrimSpace(parts[1]),
			Role: role,
		})
	}
	return participants, nil
}

func init() {
	keysCmd.AddCommand(keysCeremonyCmd)
	keysCeremonyCmd.Flags().StringVar(&ceremonyType, "type", string(keymgr.CeremonyZPKRotation), "Ceremony type: ZMK_ROTATION, ZPK_ROTATION, or FULL_ROTATION")
	keysCeremonyCmd.Flags().StringArrayVar(&ceremonyParticipants, "participant", nil, "Participant as id:name:role (repeatable)")
	keysCeremonyCmd.Flags().DurationVar(&ceremonyTimeout, "timeout", 10*time.Minute, "How long to wait for all confirmations")
	keysCeremonyCmd.Flags().BoolVar(&ceremonyAssumeYes, "yes", false, "Confirm all participants without prompting")
	keysCeremonyCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to an env file loaded before the environment")
}
