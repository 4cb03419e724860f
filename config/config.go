// Package config loads engine configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage backend names.
const (
	BackendMemory   = "memory"
	BackendBBolt    = "bbolt"
	BackendPostgres = "postgres"
)

// HSM transport names.
const (
	HSMMock = "mock"
	HSMHTTP = "http"
)

// Switch link names.
const (
	SwitchMock    = "mock"
	SwitchISO8583 = "iso8583"
)

// Config is the full engine configuration.
type Config struct {
	// HTTP API.
	Port    int
	DataDir string
	TLSCert string
	TLSKey  string

	// Storage.
	StorageBackend string
	PostgresDSN    string
	// RecordKey is the 32-byte card record encryption key, hex encoded in
	// the environment.
	RecordKey []byte

	// HSM link.
	HSMTransport string
	HSMEndpoint  string
	HSMCertFile  string
	HSMKeyFile   string
	HSMCAFile    string
	HSMClientID  string
	HSMTimeout   time.Duration

	// Switch link.
	SwitchMode       string
	SwitchAddr       string
	SwitchAcquirerID string
	SwitchTerminalID string
	SwitchMerchantID string
	SwitchCertFile   string
	SwitchKeyFile    string
	SwitchCAFile     string

	// Issuance.
	ValidityYears           int
	EmergencyValidityMonths int
	SignatureKeyLabel       string
}

// Load reads configuration from the environment. Each path in envFiles is
// loaded first when it exists; real environment variables win over file
// values.
func Load(envFiles ...string) (*Config, error) {
	for _, path := range envFiles {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				return nil, fmt.Errorf("loading env file %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		Port:    envInt("CARDENGINE_PORT", 8443),
		DataDir: envStr("CARDENGINE_DATA_DIR", "./data"),
		TLSCert: envStr("CARDENGINE_TLS_CERT", ""),
		TLSKey:  envStr("CARDENGINE_TLS_KEY", ""),

		StorageBackend: envStr("CARDENGINE_STORAGE", BackendBBolt),
		PostgresDSN:    envStr("CARDENGINE_POSTGRES_DSN", ""),

		HSMTransport: envStr("CARDENGINE_HSM", HSMMock),
		HSMEndpoint:  envStr("CARDENGINE_HSM_ENDPOINT", ""),
		HSMCertFile:  envStr("CARDENGINE_HSM_CERT", ""),
		HSMKeyFile:   envStr("CARDENGINE_HSM_KEY", ""),
		HSMCAFile:    envStr("CARDENGINE_HSM_CA", ""),
		HSMClientID:  envStr("CARDENGINE_HSM_CLIENT_ID", "CARD_ENGINE"),
		HSMTimeout:   envDuration("CARDENGINE_HSM_TIMEOUT", 30*time.Second),

		SwitchMode:       envStr("CARDENGINE_SWITCH", SwitchMock),
		SwitchAddr:       envStr("CARDENGINE_SWITCH_ADDR", ""),
		SwitchAcquirerID: envStr("CARDENGINE_SWITCH_ACQUIRER_ID", ""),
		SwitchTerminalID: envStr("CARDENGINE_SWITCH_TERMINAL_ID", ""),
		SwitchMerchantID: envStr("CARDENGINE_SWITCH_MERCHANT_ID", ""),
		SwitchCertFile:   envStr("CARDENGINE_SWITCH_CERT", ""),
		SwitchKeyFile:    envStr("CARDENGINE_SWITCH_KEY", ""),
		SwitchCAFile:     envStr("CARDENGINE_SWITCH_CA", ""),

		ValidityYears:           envInt("CARDENGINE_VALIDITY_YEARS", 4),
		EmergencyValidityMonths: envInt("CARDENGINE_EMERGENCY_VALIDITY_MONTHS", 3),
		SignatureKeyLabel:       envStr("CARDENGINE_SIGNATURE_KEY_LABEL", "ZMK_MASTER"),
	}

	if raw := os.Getenv("CARDENGINE_RECORD_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("CARDENGINE_RECORD_KEY is not valid hex: %w", err)
		}
		cfg.RecordKey = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case BackendMemory, BackendBBolt:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("CARDENGINE_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}

	switch c.HSMTransport {
	case HSMMock:
	case HSMHTTP:
		if c.HSMEndpoint == "" {
			return fmt.Errorf("CARDENGINE_HSM_ENDPOINT is required for the http transport")
		}
		if c.HSMCertFile == "" || c.HSMKeyFile == "" {
			return fmt.Errorf("CARDENGINE_HSM_CERT and CARDENGINE_HSM_KEY are required for the http transport")
		}
	default:
		return fmt.Errorf("unknown HSM transport %q", c.HSMTransport)
	}

	switch c.SwitchMode {
	case SwitchMock:
	case SwitchISO8583:
		if c.SwitchAddr == "" {
			return fmt.Errorf("CARDENGINE_SWITCH_ADDR is required for the iso8583 switch link")
		}
	default:
		return fmt.Errorf("unknown switch mode %q", c.SwitchMode)
	}

	if len(c.RecordKey) != 0 && len(c.RecordKey) != 32 {
		return fmt.Errorf("CARDENGINE_RECORD_KEY must decode to 32 bytes, got %d", len(c.RecordKey))
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
