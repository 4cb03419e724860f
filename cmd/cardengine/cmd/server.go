package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/parsabank/cardengine/api"
	"github.com/parsabank/cardengine/card"
	"github.com/parsabank/cardengine/config"
	"github.com/parsabank/cardengine/hsm"
	"github.com/parsabank/cardengine/internal/util"
	"github.com/parsabank/cardengine/issuer"
	"github.com/parsabank/cardengine/keymgr"
	"github.com/parsabank/cardengine/oplog"
	"github.com/parsabank/cardengine/storage"
	bboltstorage "github.com/parsabank/cardengine/storage/bbolt"
	"github.com/parsabank/cardengine/storage/memory"
	"github.com/parsabank/cardengine/storage/postgres"
	"github.com/parsabank/cardengine/switchnet"
)

var envFile string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the card engine server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}

		logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
		slog.SetDefault(logger)

		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		repo, closeRepo, err := openRepository(cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		client, err := openHSM(cfg, logger)
		if err != nil {
			return err
		}
		if err := client.Open(cmd.Context()); err != nil {
			return fmt.Errorf("failed to open HSM session: %w", err)
		}
		defer func() {
			if err := client.Close(context.Background()); err != nil {
				logger.Warn("failed to close HSM session", "error", err)
			}
		}()

		log := oplog.New(repo, logger)

		keys := keymgr.NewManager(client, repo, log, keymgr.Config{}, logger)
		if err := keys.Initialize(cmd.Context()); err != nil {
			return fmt.Errorf("failed to initialize key hierarchy: %w", err)
		}

		recordKey := cfg.RecordKey
		if len(recordKey) == 0 {
			recordKey, err = util.RandomBytes(32)
			if err != nil {
				return err
			}
			logger.Warn("CARDENGINE_RECORD_KEY not set; card records encrypted with an ephemeral key and unreadable after restart")
		}
		store, err := card.NewStore(repo, recordKey)
		if err != nil {
			return err
		}

		registry, closeRegistry, err := openRegistry(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer closeRegistry()

		// Identity and account verification run against in-process stubs
		// until the bank core adapters are deployed alongside.
		identity := issuer.NewMockIdentity(nil)
		accounts := issuer.NewMockAccounts()

		iss, err := issuer.New(issuer.Deps{
			HSM: client, Keys: keys, Store: store, Repo: repo, Log: log,
			Identity: identity, Accounts: accounts, Registry: registry,
		}, issuer.Config{
			ValidityYears:           cfg.ValidityYears,
			EmergencyValidityMonths: cfg.EmergencyValidityMonths,
			SignatureKeyLabel:       cfg.SignatureKeyLabel,
		}, logger)
		if err != nil {
			return err
		}

		a := api.New(iss, keys, log, api.WithLogger(logger))
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		var tlsConfig *tls.Config
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			fmt.Println("Using self-signed runtime generated certificate for TLS")
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (data: %s, storage: %s, hsm: %s, switch: %s)...\n",
			cfg.Port, cfg.DataDir, cfg.StorageBackend, cfg.HSMTransport, cfg.SwitchMode)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// openRepository selects the storage backend from configuration.
func openRepository(cfg *config.Config) (storage.Repository, func(), error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return memory.NewRepository(), func() {}, nil
	case config.BackendBBolt:
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.DataDir+"/cardengine.db", nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open card storage: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	case config.BackendPostgres:
		repo, err := postgres.NewRepositoryFromDSN(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// openHSM builds the HSM client for the configured transport.
func openHSM(cfg *config.Config, logger *slog.Logger) (*hsm.Client, error) {
	clientCfg := hsm.Config{ClientID: cfg.HSMClientID, Timeout: cfg.HSMTimeout}
	switch cfg.HSMTransport {
	case config.HSMMock:
		transport, err := hsm.NewMockTransport()
		if err != nil {
			return nil, err
		}
		return hsm.NewClient(transport, clientCfg, logger), nil
	case config.HSMHTTP:
		transport, err := hsm.NewHTTPTransport(hsm.HTTPConfig{
			Endpoint: cfg.HSMEndpoint,
			CertFile: cfg.HSMCertFile,
			KeyFile:  cfg.HSMKeyFile,
			CAFile:   cfg.HSMCAFile,
			ClientID: cfg.HSMClientID,
			Timeout:  cfg.HSMTimeout,
		})
		if err != nil {
			return nil, err
		}
		return hsm.NewClient(transport, clientCfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown HSM transport %q", cfg.HSMTransport)
	}
}

// openRegistry builds the card registry client: the ISO 8583 switch link,
// or an in-process mock for development.
func openRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (issuer.RegistryClient, func(), error) {
	switch cfg.SwitchMode {
	case config.SwitchMock:
		return issuer.NewMockRegistry(), func() {}, nil
	case config.SwitchISO8583:
		client := switchnet.NewClient(switchnet.Config{
			Addr:       cfg.SwitchAddr,
			AcquirerID: cfg.SwitchAcquirerID,
			TerminalID: cfg.SwitchTerminalID,
			MerchantID: cfg.SwitchMerchantID,
			CertFile:   cfg.SwitchCertFile,
			KeyFile:    cfg.SwitchKeyFile,
			CAFile:     cfg.SwitchCAFile,
		}, logger)
		if err := client.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to switch: %w", err)
		}
		return client, func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown switch mode %q", cfg.SwitchMode)
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to an env file loaded before the environment")
}
