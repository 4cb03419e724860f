package cardnum

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProfile = BINProfile{BIN: "603799", BankCode: "017", ProductType: "DEBIT"}

func TestGenerate_WithHint(t *testing.T) {
	card, err := Generate(testProfile, "000000001")
	require.NoError(t, err)

	pan := card.String()
	assert.Len(t, pan, PANLength)
	assert.True(t, strings.HasPrefix(pan, "603799"))
	assert.Equal(t, "000000001", card.AccountDigits)
	assert.Equal(t, 0, LuhnSum(pan))

	parsed, err := Validate(pan)
	require.NoError(t, err)
	assert.Equal(t, card, parsed)
}

func TestGenerate_Random(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		card, err := Generate(testProfile, "")
		require.NoError(t, err)
		assert.Equal(t, 0, LuhnSum(card.String()))
		seen[card.String()] = true
	}
	// 50 random 9-digit account bodies should not collide.
	assert.Greater(t, len(seen), 45)
}

func TestGenerate_ShortHintZeroPadded(t *testing.T) {
	card, err := Generate(testProfile, "42")
	require.NoError(t, err)
	assert.Equal(t, "000000042", card.AccountDigits)
}

func TestGenerate_BadInputs(t *testing.T) {
	tests := []struct {
		name    string
		profile BINProfile
		hint    string
		code    ReasonCode
	}{
		{"empty bin", BINProfile{}, "", ReasonEmpty},
		{"alpha bin", BINProfile{BIN: "60379a"}, "", ReasonNotNumeric},
		{"short bin", BINProfile{BIN: "6037"}, "", ReasonBadLength},
		{"long bin", BINProfile{BIN: "60379912"}, "", ReasonBadLength},
		{"alpha hint", testProfile, "12x", ReasonNotNumeric},
		{"oversized hint", testProfile, "1234567890", ReasonBadLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Generate(tt.profile, tt.hint)
			var reason *InvalidReason
			require.ErrorAs(t, err, &reason)
			assert.Equal(t, tt.code, reason.Code)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		code      ReasonCode
	}{
		{"empty", "", ReasonEmpty},
		{"alpha", "60379900000000ab", ReasonNotNumeric},
		{"too short", "603799000001", ReasonBadLength},
		{"too long", "60379900000000000001", ReasonBadLength},
		{"bad check digit", "6037990000000011", ReasonBadCheckDigit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.candidate)
			var reason *InvalidReason
			require.ErrorAs(t, err, &reason)
			assert.Equal(t, tt.code, reason.Code)
		})
	}
}

func TestValidate_AcceptsFormattedInput(t *testing.T) {
	card, err := Generate(testProfile, "000000001")
	require.NoError(t, err)

	pan := card.String()
	formatted := pan[:4] + " " + pan[4:8] + "-" + pan[8:12] + " " + pan[12:]
	parsed, err := Validate(formatted)
	require.NoError(t, err)
	assert.Equal(t, pan, parsed.String())
}

func TestMask(t *testing.T) {
	assert.Equal(t, "603799******0001", Mask("6037990000000001"))
	assert.Equal(t, "****", Mask("1234"))
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "****5678", Mask("12345678"))
}
