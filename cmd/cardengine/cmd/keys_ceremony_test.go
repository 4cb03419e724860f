package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsabank/cardengine/keymgr"
)

func TestParseParticipants(t *testing.T) {
	participants, err := parseParticipants([]string{
		"p1:Sara Ahmadi:KEY_HOLDER",
		"p2:Reza Karimi:admin",
		"aud1:Auditor:OBSERVER",
	})
	require.NoError(t, err)
	require.Len(t, participants, 3)
	assert.Equal(t, keymgr.Participant{ID: "p1", Name: "Sara Ahmadi", Role: keymgr.RoleKeyHolder}, participants[0])
	assert.Equal(t, keymgr.RoleAdmin, participants[1].Role, "role comparison is case-insensitive")
	assert.Equal(t, keymgr.RoleObserver, participants[2].Role)
}

func TestParseParticipants_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		specs []string
	}{
		{"empty", nil},
		{"missing role", []string{"p1:Sara Ahmadi"}},
		{"unknown role", []string{"p1:Sara Ahmadi:JANITOR"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseParticipants(tc.specs)
			require.Error(t, err)
		})
	}
}
