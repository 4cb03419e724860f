// Package cardnum generates and validates primary account numbers (PANs)
// for a fixed 16-digit card scheme. Generation is deterministic given a BIN
// profile and an account-digit hint; without a hint the account digits are
// drawn from crypto/rand.
package cardnum

import (
	"fmt"
	"strings"

	"github.com/parsabank/cardengine/internal/util"
)

const (
	// PANLength is the scheme-wide card number length.
	PANLength = 16
	// BINLength is the issuer-identifying prefix length.
	BINLength = 6

	minPANLength = 13
	maxPANLength = 19
)

// BINProfile describes the issuing range a PAN is constructed from.
type BINProfile struct {
	BIN         string
	BankCode    string
	ProductType string
}

// CardNumber is a parsed, Luhn-valid PAN.
type CardNumber struct {
	BIN           string
	AccountDigits string
	CheckDigit    byte
}

// String reassembles the full PAN.
func (c CardNumber) String() string {
	return c.BIN + c.AccountDigits + string(c.CheckDigit)
}

// Masked returns the PAN with all but the BIN and last four digits hidden.
func (c CardNumber) Masked() string {
	return Mask(c.String())
}

// Generate constructs a Luhn-valid PAN from the profile's BIN. hint, when
// non-empty, supplies the account digits (zero-padded on the left);
// otherwise they are random. The hint must fit in the account-digit width.
func Generate(profile BINProfile, hint string) (CardNumber, error) {
	if err := validateBIN(profile.BIN); err != nil {
		return CardNumber{}, err
	}

	fill := PANLength - 1 - len(profile.BIN)
	var account string
	if hint = strings.TrimSpace(hint); hint != "" {
		if !util.IsDigits(hint) {
			return CardNumber{}, &InvalidReason{Code: ReasonNotNumeric, Detail: "account hint must be numeric"}
		}
		if len(hint) > fill {
			return CardNumber{}, &InvalidReason{Code: ReasonBadLength, Detail: fmt.Sprintf("account hint longer than %d digits", fill)}
		}
		account = strings.Repeat("0", fill-len(hint)) + hint
	} else {
		var err error
		account, err = util.RandomDigits(fill)
		if err != nil {
			return CardNumber{}, fmt.Errorf("generating account digits: %w", err)
		}
	}

	partial := profile.BIN + account
	return CardNumber{
		BIN:           profile.BIN,
		AccountDigits: account,
		CheckDigit:    checkDigit(partial),
	}, nil
}

// Validate parses a candidate PAN and re-derives its Luhn check digit.
func Validate(candidate string) (CardNumber, error) {
	cleaned := Normalize(candidate)
	if cleaned == "" {
		return CardNumber{}, &InvalidReason{Code: ReasonEmpty, Detail: "card number is required"}
	}
	if !util.IsDigits(cleaned) {
		return CardNumber{}, &InvalidReason{Code: ReasonNotNumeric, Detail: "card number must contain digits only"}
	}
	if l := len(cleaned); l < minPANLength || l > maxPANLength {
		return CardNumber{}, &InvalidReason{Code: ReasonBadLength, Detail: fmt.Sprintf("card number length must be %d..%d digits (got %d)", minPANLength, maxPANLength, l)}
	}

	body := cleaned[:len(cleaned)-1]
	if cleaned[len(cleaned)-1] != checkDigit(body) {
		return CardNumber{}, &InvalidReason{Code: ReasonBadCheckDigit, Detail: "luhn check digit mismatch"}
	}

	return CardNumber{
		BIN:           cleaned[:BINLength],
		AccountDigits: cleaned[BINLength : len(cleaned)-1],
		CheckDigit:    cleaned[len(cleaned)-1],
	}, nil
}

// LuhnSum computes the Luhn checksum of a full digit string. A valid PAN
// sums to 0 mod 10.
func LuhnSum(number string) int {
	sum, dbl := 0, false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	return sum % 10
}

// checkDigit derives the Luhn check digit for body (a PAN without its last
// digit): traverse right-to-left doubling every second digit.
func checkDigit(body string) byte {
	sum, dbl := 0, true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	return byte('0' + (10-sum%10)%10)
}

func validateBIN(bin string) error {
	if bin == "" {
		return &InvalidReason{Code: ReasonEmpty, Detail: "bin is required"}
	}
	if !util.IsDigits(bin) {
		return &InvalidReason{Code: ReasonNotNumeric, Detail: "bin must contain digits only"}
	}
	if len(bin) != BINLength {
		return &InvalidReason{Code: ReasonBadLength, Detail: fmt.Sprintf("bin must be %d digits", BINLength)}
	}
	return nil
}

// Normalize strips spaces, tabs and dashes from a formatted PAN.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-':
			return -1
		default:
			return r
		}
	}, s)
}

// Mask hides the middle digits of a PAN, keeping the BIN and last four.
func Mask(pan string) string {
	cleaned := Normalize(pan)
	n := len(cleaned)
	switch {
	case n == 0:
		return ""
	case n <= 4:
		return strings.Repeat("*", n)
	case n < 10:
		return strings.Repeat("*", n-4) + cleaned[n-4:]
	default:
		return cleaned[:BINLength] + strings.Repeat("*", n-10) + cleaned[n-4:]
	}
}
