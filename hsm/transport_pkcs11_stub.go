//go:build !pkcs11

package hsm

import (
	"context"
	"fmt"
)

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
// This is a placeholder when the pkcs11 build tag is not set.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	PIN        string
	SlotNumber *int
}

// PKCS11Transport is a placeholder type when the pkcs11 build tag is not
// set. It implements Transport so the server CLI compiles without CGo; all
// methods direct the user to rebuild with -tags pkcs11.
type PKCS11Transport struct{}

var _ Transport = (*PKCS11Transport)(nil)

// NewPKCS11Transport returns an error when compiled without the pkcs11
// build tag. Rebuild with: go build -tags pkcs11
func NewPKCS11Transport(_ PKCS11Config) (*PKCS11Transport, error) {
	return nil, fmt.Errorf("hsm: PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")
}

// Close is a no-op for the stub.
func (t *PKCS11Transport) Close() error { return nil }

func (t *PKCS11Transport) RoundTrip(_ context.Context, _ []byte) ([]byte, error) {
	return nil, fmt.Errorf("hsm: PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")
}
