package keymgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsabank/cardengine/oplog"
)

func ceremonyParticipants() []Participant {
	return []Participant{
		{ID: "p1", Name: "Security Officer A", Role: RoleKeyHolder},
		{ID: "p2", Name: "Security Officer B", Role: RoleKeyHolder},
		{ID: "p3", Name: "Operations Admin", Role: RoleAdmin},
		{ID: "p4", Name: "Internal Auditor", Role: RoleObserver},
	}
}

func TestCeremonyFullRotationCommits(t *testing.T) {
	m, _, log := initTestManager(t)
	before := m.Status()

	c, err := m.BeginCeremony(context.Background(), CeremonyFullRotation, ceremonyParticipants())
	require.NoError(t, err)
	assert.Equal(t, CeremonyConfirmationPending, c.State())

	// One share per key type per eligible participant (3 keys x 3 eligible).
	shares := c.Shares()
	assert.Len(t, shares, 9)
	for _, s := range shares {
		assert.NotEqual(t, "p4", s.ParticipantID, "observers never hold shares")
	}

	// Participants confirm asynchronously.
	for _, id := range []string{"p1", "p2", "p3"} {
		id := id
		go func() {
			time.Sleep(5 * time.Millisecond)
			assert.NoError(t, c.Confirm(id))
		}()
	}

	require.NoError(t, c.AwaitConfirmations(context.Background(), 5*time.Second))
	assert.Equal(t, CeremonyCommitted, c.State())

	after := m.Status()
	for _, keyType := range []string{KeyTypeZMK, KeyTypeZPK, KeyTypeZDK} {
		assert.NotEqual(t, before.ZoneKeys[keyType].Handle, after.ZoneKeys[keyType].Handle, keyType)
	}

	entries, err := log.Query(oplog.Filter{OperationType: "KEY_CEREMONY"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, oplog.PriorityCritical, entries[0].Priority)
}

func TestCeremonyZPKRotationTouchesOnlyZPK(t *testing.T) {
	m, _, _ := initTestManager(t)
	before := m.Status()

	c, err := m.BeginCeremony(context.Background(), CeremonyZPKRotation, ceremonyParticipants())
	require.NoError(t, err)
	require.Len(t, c.Shares(), 3)

	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, c.Confirm(id))
	}
	require.NoError(t, c.AwaitConfirmations(context.Background(), time.Second))

	after := m.Status()
	assert.NotEqual(t, before.ZoneKeys[KeyTypeZPK].Handle, after.ZoneKeys[KeyTypeZPK].Handle)
	assert.Equal(t, before.ZoneKeys[KeyTypeZMK].Handle, after.ZoneKeys[KeyTypeZMK].Handle)
	assert.Equal(t, before.ZoneKeys[KeyTypeZDK].Handle, after.ZoneKeys[KeyTypeZDK].Handle)
}

func TestCeremonyRejectsInvalidParticipants(t *testing.T) {
	m, _, _ := initTestManager(t)
	before := m.Status()

	cases := [][]Participant{
		{{ID: "", Name: "No ID", Role: RoleKeyHolder}},
		{{ID: "p1", Name: "", Role: RoleKeyHolder}},
		{{ID: "p1", Name: "No Role", Role: ""}},
		{{ID: "p1", Name: "A", Role: RoleKeyHolder}, {ID: "p1", Name: "B", Role: RoleAdmin}},
		{{ID: "p1", Name: "Only Observer", Role: RoleObserver}},
	}
	for _, participants := range cases {
		_, err := m.BeginCeremony(context.Background(), CeremonyZMKRotation, participants)
		var aborted *CeremonyAbortedError
		require.ErrorAs(t, err, &aborted)
	}

	// No key changed.
	after := m.Status()
	assert.Equal(t, before.ZoneKeys[KeyTypeZMK].Handle, after.ZoneKeys[KeyTypeZMK].Handle)
}

func TestCeremonyDeclineAborts(t *testing.T) {
	m, _, _ := initTestManager(t)
	before := m.Status()

	c, err := m.BeginCeremony(context.Background(), CeremonyFullRotation, ceremonyParticipants())
	require.NoError(t, err)

	require.NoError(t, c.Confirm("p1"))
	require.NoError(t, c.Decline("p2", "share envelope seal broken"))

	err = c.AwaitConfirmations(context.Background(), time.Second)
	var aborted *CeremonyAbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Contains(t, aborted.Reason, "p2")
	assert.Equal(t, CeremonyAborted, c.State())

	// The new keys were never activated.
	after := m.Status()
	for _, keyType := range []string{KeyTypeZMK, KeyTypeZPK, KeyTypeZDK} {
		assert.Equal(t, before.ZoneKeys[keyType].Handle, after.ZoneKeys[keyType].Handle, keyType)
	}

	// Nothing further is accepted.
	require.Error(t, c.Confirm("p3"))
}

func TestCeremonyTimeoutAborts(t *testing.T) {
	m, _, _ := initTestManager(t)

	c, err := m.BeginCeremony(context.Background(), CeremonyZMKRotation, ceremonyParticipants())
	require.NoError(t, err)
	require.NoError(t, c.Confirm("p1"))
	// p2 and p3 never confirm.

	err = c.AwaitConfirmations(context.Background(), 20*time.Millisecond)
	var aborted *CeremonyAbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, CeremonyAborted, c.State())
}

func TestCeremonyConfirmRules(t *testing.T) {
	m, _, _ := initTestManager(t)

	c, err := m.BeginCeremony(context.Background(), CeremonyZMKRotation, ceremonyParticipants())
	require.NoError(t, err)

	require.Error(t, c.Confirm("stranger"))
	require.Error(t, c.Confirm("p4"), "observers cannot confirm")
	require.NoError(t, c.Confirm("p1"))
	require.NoError(t, c.Confirm("p1"), "repeat confirmation is a no-op")
}

func TestCeremonyUnknownType(t *testing.T) {
	m, _, _ := initTestManager(t)
	_, err := m.BeginCeremony(context.Background(), CeremonyType("HALF_ROTATION"), ceremonyParticipants())
	require.Error(t, err)
}

func TestCeremonyShareDistributionFailureAborts(t *testing.T) {
	m, mock, _ := initTestManager(t)

	mock.RejectOp("CREATE_KEY_SHARE", "SHARE_FAILED", "token removed")
	_, err := m.BeginCeremony(context.Background(), CeremonyZMKRotation, ceremonyParticipants())
	var aborted *CeremonyAbortedError
	require.ErrorAs(t, err, &aborted)
}
