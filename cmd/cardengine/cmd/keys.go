package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/parsabank/cardengine/config"
	"github.com/parsabank/cardengine/hsm"
	"github.com/parsabank/cardengine/keymgr"
	"github.com/parsabank/cardengine/oplog"
	"github.com/parsabank/cardengine/storage"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Key hierarchy tools",
	Long:  `Commands for inspecting the persisted zone and DUKPT key slots.`,
}

var keysJSONOutput bool

// keysStatusCmd reads the persisted key handle metadata straight from
// storage. It never talks to the HSM, so it works while the server is
// down; only labels and handles are stored, never key material.
var keysStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active key labels and handles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		repo, closeRepo, err := openRepository(cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		ids, err := repo.List(storage.RecordTypeKeyHandle)
		if err != nil {
			return fmt.Errorf("failed to list key handles: %w", err)
		}
		handles := make([]hsm.KeyHandle, 0, len(ids))
		for _, id := range ids {
			env, err := repo.Get(storage.RecordTypeKeyHandle, id)
			if err != nil {
				return fmt.Errorf("failed to load key handle %s: %w", id, err)
			}
			data, err := env.Plaintext()
			if err != nil {
				return fmt.Errorf("failed to read key handle %s: %w", id, err)
			}
			var h hsm.KeyHandle
			if err := json.Unmarshal(data, &h); err != nil {
				return fmt.Errorf("failed to decode key handle %s: %w", id, err)
			}
			handles = append(handles, h)
		}

		if keysJSONOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(handles)
		}

		if len(handles) == 0 {
			fmt.Println("No key handles persisted; the server has not initialized the hierarchy yet.")
			return nil
		}
		fmt.Printf("%-6s %-16s %-20s %s\n", "TYPE", "LABEL", "HANDLE", "ALGORITHM")
		for _, h := range handles {
			fmt.Printf("%-6s %-16s %-20s %s\n", h.Type, h.Label, h.Handle, h.Algorithm)
		}
		return nil
	},
}

// openKeyManager wires a live key manager for commands that must talk to
// the HSM (rotation, ceremonies). The returned cleanup closes the HSM
// session and the repository.
func openKeyManager(ctx context.Context) (*keymgr.Manager, func(), error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	repo, closeRepo, err := openRepository(cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := openHSM(cfg, logger)
	if err != nil {
		closeRepo()
		return nil, nil, err
	}
	if err := client.Open(ctx); err != nil {
		closeRepo()
		return nil, nil, fmt.Errorf("failed to open HSM session: %w", err)
	}

	keys := keymgr.NewManager(client, repo, oplog.New(repo, logger), keymgr.Config{}, logger)
	cleanup := func() {
		keys.Close()
		if err := client.Close(context.Background()); err != nil {
			logger.Warn("failed to close HSM session", "error", err)
		}
		closeRepo()
	}
	if err := keys.Initialize(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to initialize key hierarchy: %w", err)
	}
	return keys, cleanup, nil
}

func printStatusReport(report keymgr.StatusReport) {
	fmt.Printf("%-6s %-16s %-20s %s\n", "TYPE", "LABEL", "HANDLE", "LOADED")
	for _, group := range []map[string]keymgr.KeyStatus{report.ZoneKeys, report.DUKPTKeys} {
		for _, keyType := range []string{"ZMK", "ZPK", "ZDK", "BDK", "IPEK"} {
			s, ok := group[keyType]
			if !ok {
				continue
			}
			fmt.Printf("%-6s %-16s %-20s %t\n", keyType, s.Label, s.Handle, s.Loaded)
		}
	}
	fmt.Printf("Current KSN: %s\n", report.CurrentKSN)
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysStatusCmd)
	keysStatusCmd.Flags().BoolVar(&keysJSONOutput, "json", false, "Output results as JSON")
	keysStatusCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to an env file loaded before the environment")
}
