// Package pinpolicy enforces PIN selection policy for issued cards:
// generation under a policy, validation of candidates, and security
// scoring. The package never stores PINs; callers receive the clear digits
// exactly once and are responsible for moving them into the HSM boundary.
package pinpolicy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/parsabank/cardengine/internal/util"
)

const (
	// MinLength and MaxLength bound the scheme's accepted PIN lengths.
	MinLength = 4
	MaxLength = 6

	// maxGenerateAttempts bounds the rejection-sampling loop in Generate.
	maxGenerateAttempts = 1000
)

// ErrUnsatisfiable is returned when Generate exhausts its attempt budget
// without producing a PIN the policy accepts.
var ErrUnsatisfiable = errors.New("pin policy unsatisfiable")

// Policy is the active PIN selection policy.
type Policy struct {
	Length                int
	AllowRepeatedDigits   bool
	AllowSequentialDigits bool
	AllowCommonPINs       bool
	RequireComplexity     bool
	MinComplexity         int
	MaxAttempts           int
	LockoutHours          int

	// StrictRepeats additionally rejects any two adjacent identical digits
	// when AllowRepeatedDigits is false.
	StrictRepeats bool
}

// DefaultPolicy mirrors the scheme-wide default for debit cards.
func DefaultPolicy() Policy {
	return Policy{
		Length:            4,
		RequireComplexity: true,
		MinComplexity:     2,
		MaxAttempts:       3,
		LockoutHours:      24,
	}
}

// ForCardType returns the policy preset for a product type. Unknown types
// fall back to the debit preset.
func ForCardType(cardType string) Policy {
	p := DefaultPolicy()
	switch strings.ToUpper(cardType) {
	case "CREDIT":
		p.LockoutHours = 48
	case "PREPAID":
		p.MaxAttempts = 2
		p.LockoutHours = 12
	case "BUSINESS":
		p.Length = 6
	}
	return p
}

func (p Policy) length() int {
	if p.Length == 0 {
		return 4
	}
	return p.Length
}

// Validate checks the policy itself for internal consistency.
func (p Policy) Validate() error {
	if l := p.length(); l < MinLength || l > MaxLength {
		return fmt.Errorf("pin length must be %d..%d, got %d", MinLength, MaxLength, l)
	}
	if p.MinComplexity < 0 || p.MinComplexity > 4 {
		return fmt.Errorf("min complexity must be 0..4, got %d", p.MinComplexity)
	}
	return nil
}

// PIN is a freshly generated PIN together with its masked form.
type PIN struct {
	Digits   string
	Masked   string
	Policy   Policy
	Attempts int
}

// Generate draws random candidates until one satisfies the policy,
// bounded at maxGenerateAttempts.
func Generate(policy Policy) (PIN, error) {
	if err := policy.Validate(); err != nil {
		return PIN{}, err
	}
	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		digits, err := util.RandomDigits(policy.length())
		if err != nil {
			return PIN{}, fmt.Errorf("generating pin digits: %w", err)
		}
		if IsValid(digits, policy) {
			return PIN{
				Digits:   digits,
				Masked:   Mask(digits),
				Policy:   policy,
				Attempts: attempt,
			}, nil
		}
	}
	return PIN{}, ErrUnsatisfiable
}

// IsValid applies the policy's rejection rules in order: length and
// digit-only format, repetition, sequential runs, the common-PIN denylist,
// then complexity.
func IsValid(candidate string, policy Policy) bool {
	if len(candidate) != policy.length() || !util.IsDigits(candidate) {
		return false
	}
	if !policy.AllowRepeatedDigits {
		if distinctDigits(candidate) == 1 {
			return false
		}
		if policy.StrictRepeats && hasAdjacentRepeat(candidate) {
			return false
		}
	}
	if !policy.AllowSequentialDigits && IsSequential(candidate) {
		return false
	}
	if !policy.AllowCommonPINs && isCommon(candidate) {
		return false
	}
	if policy.RequireComplexity && complexity(candidate) < policy.MinComplexity {
		return false
	}
	return true
}

// IsSequential reports whether the digits form a monotonic run of
// consecutive integers, or contain a known 4-digit sequential substring.
func IsSequential(pin string) bool {
	for _, pattern := range sequentialPatterns {
		if strings.Contains(pin, pattern) {
			return true
		}
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		if int(pin[i]) != int(pin[i-1])+1 {
			ascending = false
		}
		if int(pin[i]) != int(pin[i-1])-1 {
			descending = false
		}
	}
	return ascending || descending
}

// complexity counts satisfied complexity criteria: at least 3 distinct
// digits, all digits distinct, no sequential run, and a mix of low (<5)
// and high (>=5) digits.
func complexity(pin string) int {
	score := 0
	distinct := distinctDigits(pin)
	if distinct >= 3 {
		score++
	}
	if distinct == len(pin) {
		score++
	}
	if !IsSequential(pin) {
		score++
	}
	var hasLow, hasHigh bool
	for i := 0; i < len(pin); i++ {
		if pin[i] < '5' {
			hasLow = true
		} else {
			hasHigh = true
		}
	}
	if hasLow && hasHigh {
		score++
	}
	return score
}

func hasAdjacentRepeat(pin string) bool {
	for i := 1; i < len(pin); i++ {
		if pin[i] == pin[i-1] {
			return true
		}
	}
	return false
}

func distinctDigits(pin string) int {
	var seen [10]bool
	n := 0
	for i := 0; i < len(pin); i++ {
		d := pin[i] - '0'
		if !seen[d] {
			seen[d] = true
			n++
		}
	}
	return n
}

// Mask hides all but the first and last digit.
func Mask(pin string) string {
	if len(pin) <= 2 {
		return strings.Repeat("*", len(pin))
	}
	return pin[:1] + strings.Repeat("*", len(pin)-2) + pin[len(pin)-1:]
}
