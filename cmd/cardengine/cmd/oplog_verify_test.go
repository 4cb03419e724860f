package cmd

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsabank/cardengine/oplog"
)

// buildValidChain returns n correctly chained entries in chronological order.
func buildValidChain(n int) []oplog.Entry {
	entries := make([]oplog.Entry, n)
	prevHash := oplog.GenesisHash
	for i := 0; i < n; i++ {
		ts := time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC).Format(time.RFC3339Nano)
		entries[i] = oplog.Entry{
			ID:               fmt.Sprintf("%020d-entry-%d", i, i),
			OperationType:    "CARD_ISSUANCE",
			OperatorID:       "op-1",
			MaskedCardNumber: "603799******1234",
			Result:           oplog.ResultSuccess,
			Priority:         oplog.PriorityNormal,
			CreatedAt:        ts,
			PrevHash:         prevHash,
		}
		prevHash = entries[i].Hash()
	}
	return entries
}

func marshalChain(t *testing.T, entries []oplog.Entry) []byte {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	return data
}

func TestVerify_ValidChain(t *testing.T) {
	result, err := verifyExportedChain(marshalChain(t, buildValidChain(5)))
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.EntryCount)
	for _, c := range result.Checks {
		assert.NotEqual(t, oplog.CheckFail, c.Status, "check %s should not fail", c.Name)
	}
}

func TestVerify_EmptyChain(t *testing.T) {
	result, err := verifyExportedChain([]byte("[]"))
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Equal(t, 0, result.EntryCount)
	require.Len(t, result.Checks, 1)
	assert.Equal(t, "empty_chain", result.Checks[0].Name)
}

func TestVerify_RecoversOrderFromNewestFirstExport(t *testing.T) {
	entries := buildValidChain(5)
	// The logs endpoint returns newest first.
	reversed := make([]oplog.Entry, len(entries))
	for i, e := range entries {
		reversed[len(entries)-1-i] = e
	}

	result, err := verifyExportedChain(marshalChain(t, reversed))
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestVerify_BadGenesis(t *testing.T) {
	entries := buildValidChain(3)
	entries[0].PrevHash = "ffff"

	result, err := verifyExportedChain(marshalChain(t, entries))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assertCheckFailed(t, result, "genesis_anchor")
}

func TestVerify_BrokenLink(t *testing.T) {
	entries := buildValidChain(4)
	entries[2].PrevHash = "0123456789abcdef"

	result, err := verifyExportedChain(marshalChain(t, entries))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assertCheckFailed(t, result, "chain_link")
}

func TestVerify_DeletedEntryDetected(t *testing.T) {
	entries := buildValidChain(4)
	entries = append(entries[:2], entries[3:]...)

	result, err := verifyExportedChain(marshalChain(t, entries))
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestVerify_TamperedEntryDetected(t *testing.T) {
	entries := buildValidChain(4)
	entries[1].Result = oplog.ResultFailed

	result, err := verifyExportedChain(marshalChain(t, entries))
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestVerify_InvalidJSON(t *testing.T) {
	_, err := verifyExportedChain([]byte("{not json"))
	assert.Error(t, err)
}

func assertCheckFailed(t *testing.T, result fileVerifyResult, name string) {
	t.Helper()
	for _, c := range result.Checks {
		if c.Name == name {
			assert.Equal(t, oplog.CheckFail, c.Status)
			return
		}
	}
	t.Fatalf("check %s not found", name)
}
