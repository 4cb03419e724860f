package util

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strings"
)

func RandomInt() (int, error) {
	return RandomIntn(math.MaxInt)
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomDigits returns n uniformly distributed decimal digits. Rejection
// sampling keeps the distribution unbiased: bytes >= 250 are discarded
// before the mod-10 reduction.
func RandomDigits(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	const threshold = 250 // 256 - (256 % 10)
	var sb strings.Builder
	sb.Grow(n)
	buf := make([]byte, 64)
	for sb.Len() < n {
		read, err := rand.Read(buf)
		if err != nil {
			return "", fmt.Errorf("generating random digits: %w", err)
		}
		for i := 0; i < read && sb.Len() < n; i++ {
			if buf[i] < threshold {
				sb.WriteByte('0' + buf[i]%10)
			}
		}
	}
	return sb.String(), nil
}

// IsDigits reports whether s is non-empty and contains ASCII decimal digits only.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
