package util

import (
	"encoding/hex"
	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKD decomposition so cardholder names emboss and
// compare consistently regardless of the source encoding.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
