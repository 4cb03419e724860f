package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8443, cfg.Port)
	assert.Equal(t, BackendBBolt, cfg.StorageBackend)
	assert.Equal(t, HSMMock, cfg.HSMTransport)
	assert.Equal(t, SwitchMock, cfg.SwitchMode)
	assert.Equal(t, 30*time.Second, cfg.HSMTimeout)
	assert.Equal(t, 4, cfg.ValidityYears)
	assert.Equal(t, "ZMK_MASTER", cfg.SignatureKeyLabel)
	assert.Nil(t, cfg.RecordKey)
}

func TestLoadFromEnvironment(t *testing.T) {
	key := make([]byte, 32)
	t.Setenv("CARDENGINE_PORT", "9000")
	t.Setenv("CARDENGINE_STORAGE", BackendMemory)
	t.Setenv("CARDENGINE_RECORD_KEY", hex.EncodeToString(key))
	t.Setenv("CARDENGINE_HSM_TIMEOUT", "5s")
	t.Setenv("CARDENGINE_VALIDITY_YEARS", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, BackendMemory, cfg.StorageBackend)
	assert.Equal(t, key, cfg.RecordKey)
	assert.Equal(t, 5*time.Second, cfg.HSMTimeout)
	assert.Equal(t, 2, cfg.ValidityYears)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CARDENGINE_PORT=7001\nCARDENGINE_SWITCH_TERMINAL_ID=TERM0009\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Port)
	assert.Equal(t, "TERM0009", cfg.SwitchTerminalID)
}

func TestValidation(t *testing.T) {
	t.Run("postgres needs DSN", func(t *testing.T) {
		t.Setenv("CARDENGINE_STORAGE", BackendPostgres)
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("http hsm needs endpoint and certs", func(t *testing.T) {
		t.Setenv("CARDENGINE_HSM", HSMHTTP)
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("iso8583 switch needs addr", func(t *testing.T) {
		t.Setenv("CARDENGINE_SWITCH", SwitchISO8583)
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("record key length", func(t *testing.T) {
		t.Setenv("CARDENGINE_RECORD_KEY", "abcd")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("CARDENGINE_STORAGE", "etcd")
		_, err := Load()
		require.Error(t, err)
	})
}
