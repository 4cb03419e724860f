package keymgr

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsabank/cardengine/hsm"
	"github.com/parsabank/cardengine/oplog"
	"github.com/parsabank/cardengine/storage/memory"
)

func newTestManager(t *testing.T) (*Manager, *hsm.MockTransport, *oplog.Log) {
	t.Helper()
	mock, err := hsm.NewMockTransport()
	require.NoError(t, err)
	client := hsm.NewClient(mock, hsm.Config{}, nil)
	require.NoError(t, client.Open(context.Background()))

	repo := memory.NewRepository()
	log := oplog.New(repo, slog.Default())
	return NewManager(client, repo, log, Config{}, slog.Default()), mock, log
}

func initTestManager(t *testing.T) (*Manager, *hsm.MockTransport, *oplog.Log) {
	t.Helper()
	m, mock, log := newTestManager(t)
	require.NoError(t, m.Initialize(context.Background()))
	return m, mock, log
}

func TestInitializeLoadsAllKeys(t *testing.T) {
	m, _, _ := initTestManager(t)

	status := m.Status()
	assert.True(t, status.Initialized)
	for _, keyType := range []string{KeyTypeZMK, KeyTypeZPK, KeyTypeZDK} {
		ks := status.ZoneKeys[keyType]
		assert.True(t, ks.Loaded, keyType)
		assert.NotEmpty(t, ks.Handle, keyType)
	}
	for _, keyType := range []string{KeyTypeBDK, KeyTypeIPEK} {
		ks := status.DUKPTKeys[keyType]
		assert.True(t, ks.Loaded, keyType)
	}

	label, err := m.ZPKLabel()
	require.NoError(t, err)
	assert.Equal(t, "ZPK_DEFAULT", label)
}

func TestInitializeFailureIsFatal(t *testing.T) {
	m, mock, _ := newTestManager(t)

	mock.RejectOp("LOAD_KEY", "UNKNOWN_KEY_LABEL", "ZMK_MASTER missing")
	err := m.Initialize(context.Background())
	require.Error(t, err)

	var be *hsm.BusinessError
	require.ErrorAs(t, err, &be)

	// Nothing is usable.
	assert.False(t, m.Status().Initialized)
	_, err = m.NextKSN()
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.DeriveSessionKey(context.Background(), "0001000200030004AAAA", "PIN")
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, m.RotateZoneKeys(context.Background(), "op-1"), ErrNotInitialized)
}

func TestNextKSN(t *testing.T) {
	m, _, _ := initTestManager(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		ksn, err := m.NextKSN()
		require.NoError(t, err)
		assert.True(t, ValidKSN(ksn), ksn)
		assert.False(t, seen[ksn], "KSN repeated: %s", ksn)
		seen[ksn] = true
	}
}

func TestValidKSN(t *testing.T) {
	assert.True(t, ValidKSN("0123456789ABCDEFabcd"))
	assert.False(t, ValidKSN(""))
	assert.False(t, ValidKSN("0123456789ABCDEF"))
	assert.False(t, ValidKSN("0123456789ABCDEFabcdEF"))
	assert.False(t, ValidKSN("0123456789ABCDEFGHIZ"))
}

func TestDeriveSessionKey(t *testing.T) {
	m, _, _ := initTestManager(t)

	ksn, err := m.NextKSN()
	require.NoError(t, err)

	before := time.Now()
	key, err := m.DeriveSessionKey(context.Background(), ksn, "PIN")
	require.NoError(t, err)
	assert.NotEmpty(t, key.KeyRef)
	assert.Equal(t, ksn, key.KSN)
	assert.Equal(t, "PIN", key.KeyType)
	assert.False(t, key.Expired())
	assert.WithinDuration(t, before.Add(SessionKeyTTL), key.ExpiresAt, 5*time.Second)

	// Same KSN derives the same key reference; a new KSN derives a new one.
	again, err := m.DeriveSessionKey(context.Background(), ksn, "PIN")
	require.NoError(t, err)
	assert.Equal(t, key.KeyRef, again.KeyRef)

	ksn2, err := m.NextKSN()
	require.NoError(t, err)
	other, err := m.DeriveSessionKey(context.Background(), ksn2, "PIN")
	require.NoError(t, err)
	assert.NotEqual(t, key.KeyRef, other.KeyRef)

	_, err = m.DeriveSessionKey(context.Background(), "not-a-ksn", "PIN")
	require.Error(t, err)
}

func TestSessionKeyExpired(t *testing.T) {
	key := &SessionKey{ExpiresAt: time.Now().Add(-time.Minute)}
	assert.True(t, key.Expired())
}

func TestRotateZoneKeys(t *testing.T) {
	m, _, log := initTestManager(t)

	before := m.Status()
	require.NoError(t, m.RotateZoneKeys(context.Background(), "op-security-1"))
	after := m.Status()

	for _, keyType := range []string{KeyTypeZMK, KeyTypeZPK, KeyTypeZDK} {
		assert.NotEqual(t, before.ZoneKeys[keyType].Handle, after.ZoneKeys[keyType].Handle, keyType)
		assert.True(t, after.ZoneKeys[keyType].Loaded, keyType)
	}
	// DUKPT keys are untouched.
	assert.Equal(t, before.DUKPTKeys[KeyTypeBDK].Handle, after.DUKPTKeys[KeyTypeBDK].Handle)

	entries, err := log.Query(oplog.Filter{OperationType: "KEY_ROTATION"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, oplog.PriorityCritical, entries[0].Priority)
	assert.Equal(t, oplog.ResultSuccess, entries[0].Result)
	assert.Equal(t, "op-security-1", entries[0].OperatorID)
}

func TestRotateZoneKeysAbortsBeforeSwap(t *testing.T) {
	m, mock, log := initTestManager(t)
	before := m.Status()

	mock.RejectOp("TRANSFER_KEY", "WRAP_FAILED", "dependent key rejected re-wrap")
	err := m.RotateZoneKeys(context.Background(), "op-security-1")
	require.Error(t, err)

	// The previously active keys remain authoritative.
	after := m.Status()
	for _, keyType := range []string{KeyTypeZMK, KeyTypeZPK, KeyTypeZDK} {
		assert.Equal(t, before.ZoneKeys[keyType].Handle, after.ZoneKeys[keyType].Handle, keyType)
	}

	entries, qerr := log.Query(oplog.Filter{OperationType: "KEY_ROTATION"})
	require.NoError(t, qerr)
	require.Len(t, entries, 1)
	assert.Equal(t, oplog.ResultFailed, entries[0].Result)
}

func TestCloseResetsManager(t *testing.T) {
	m, _, _ := initTestManager(t)
	m.Close()
	assert.False(t, m.Status().Initialized)
	_, err := m.NextKSN()
	require.ErrorIs(t, err, ErrNotInitialized)
}
