package pinpolicy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValid_RepeatedDigits(t *testing.T) {
	policy := Policy{Length: 4}
	for d := '0'; d <= '9'; d++ {
		pin := strings.Repeat(string(d), 4)
		assert.False(t, IsValid(pin, policy), "all-identical pin %s must be rejected", pin)
	}
	strict := Policy{Length: 4, StrictRepeats: true}
	assert.False(t, IsValid("2259", strict))
	assert.True(t, IsValid("2592", strict))
}

func TestIsValid_Sequential(t *testing.T) {
	policy := Policy{Length: 4}
	for _, pin := range []string{"1234", "4321", "2345", "9876", "0123"} {
		assert.False(t, IsValid(pin, policy), "sequential pin %s must be rejected", pin)
	}
	allowed := Policy{Length: 4, AllowSequentialDigits: true, AllowCommonPINs: true, AllowRepeatedDigits: true}
	assert.True(t, IsValid("2345", allowed))
}

func TestIsValid_CommonDenylist(t *testing.T) {
	policy := Policy{Length: 4}
	for _, pin := range commonPINList {
		assert.False(t, IsValid(pin, policy), "common pin %s must be rejected", pin)
	}
	// 6-digit pin extending a common prefix keeps the weakness.
	six := Policy{Length: 6}
	assert.False(t, IsValid("110042", six))
}

func TestIsValid_WrongLengthOrFormat(t *testing.T) {
	policy := Policy{Length: 4}
	assert.False(t, IsValid("123", policy))
	assert.False(t, IsValid("12345", policy))
	assert.False(t, IsValid("12a4", policy))
	assert.False(t, IsValid("", policy))
}

func TestIsValid_Complexity(t *testing.T) {
	policy := Policy{Length: 4, RequireComplexity: true, MinComplexity: 3, AllowCommonPINs: true}
	// 2692: distinct=3 (+1), not all distinct, not sequential (+1), low+high mix (+1) -> 3.
	assert.True(t, IsValid("2692", policy))
	// 1313: distinct=2, not sequential (+1), low digits only... 1 and 3 both <5, no mix -> 1.
	assert.False(t, IsValid("1313", policy))
}

func TestGenerate_SatisfiesPolicy(t *testing.T) {
	policies := []Policy{
		DefaultPolicy(),
		ForCardType("BUSINESS"),
		{Length: 5, RequireComplexity: true, MinComplexity: 3},
	}
	for _, policy := range policies {
		for i := 0; i < 20; i++ {
			pin, err := Generate(policy)
			require.NoError(t, err)
			assert.True(t, IsValid(pin.Digits, policy), "generated pin must satisfy its policy")
			assert.Len(t, pin.Digits, policy.length())
			assert.NotContains(t, pin.Masked, pin.Digits[1:len(pin.Digits)-1])
		}
	}
}

func TestGenerate_InvalidPolicy(t *testing.T) {
	_, err := Generate(Policy{Length: 9})
	assert.Error(t, err)
}

func TestForCardType(t *testing.T) {
	assert.Equal(t, 6, ForCardType("BUSINESS").Length)
	assert.Equal(t, 2, ForCardType("PREPAID").MaxAttempts)
	assert.Equal(t, 48, ForCardType("CREDIT").LockoutHours)
	assert.Equal(t, DefaultPolicy(), ForCardType("DEBIT"))
	assert.Equal(t, DefaultPolicy(), ForCardType("unknown"))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "1**4", Mask("1234"))
	assert.Equal(t, "1****6", Mask("123456"))
	assert.Equal(t, "**", Mask("12"))
}

func TestScore(t *testing.T) {
	weak := Score("1111", DefaultPolicy())
	assert.Equal(t, LevelWeak, weak.Level)
	assert.False(t, weak.Secure)
	assert.NotEmpty(t, weak.Recommendations)

	strong := Score("283951", DefaultPolicy())
	assert.GreaterOrEqual(t, strong.Score, 80)
	assert.Equal(t, LevelExcellent, strong.Level)
	assert.True(t, strong.Secure)

	empty := Score("", DefaultPolicy())
	assert.Equal(t, 0, empty.Score)
	assert.Equal(t, LevelWeak, empty.Level)
}

func TestScore_Monotonicity(t *testing.T) {
	// A sequential common PIN must never outscore a diverse one.
	assert.Less(t, Score("1234", DefaultPolicy()).Score, Score("2859", DefaultPolicy()).Score)
}
