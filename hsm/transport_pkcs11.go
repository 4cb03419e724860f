//go:build pkcs11

package hsm

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThalesGroup/crypto11"

	"github.com/parsabank/cardengine/internal/uuid"
)

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library
	// (e.g. /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string
	// TokenLabel identifies the token/slot by label.
	TokenLabel string
	// PIN is the user PIN for the token.
	PIN string
	// SlotNumber optionally overrides TokenLabel for slot selection.
	SlotNumber *int
}

// PKCS11Transport serves signature and health operations directly from a
// PKCS#11 token. Card personalization operations (key sets, PINs, CVV2,
// EMV) require a full payment HSM gateway and are rejected here; use the
// HTTPTransport for those.
type PKCS11Transport struct {
	ctx *crypto11.Context

	mu       sync.Mutex
	sessions map[string]uint64
}

var _ Transport = (*PKCS11Transport)(nil)

// NewPKCS11Transport connects to the configured token. The caller must
// Close() when finished.
func NewPKCS11Transport(cfg PKCS11Config) (*PKCS11Transport, error) {
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	}
	if cfg.SlotNumber != nil {
		config.SlotNumber = cfg.SlotNumber
	}
	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("hsm: configure PKCS#11: %w", err)
	}
	return &PKCS11Transport{ctx: ctx, sessions: make(map[string]uint64)}, nil
}

// Close releases the PKCS#11 context.
func (t *PKCS11Transport) Close() error {
	return t.ctx.Close()
}

func (t *PKCS11Transport) RoundTrip(ctx context.Context, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var req mockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch req.Operation {
	case opHealthCheck:
		// A slot enumeration proves the token is reachable.
		if _, err := t.ctx.FindAllKeyPairs(); err != nil {
			return fail("TOKEN_UNAVAILABLE", err.Error())
		}
		return json.Marshal(responseStatus{Status: statusSuccess})
	case opInitializeSession:
		id := uuid.New()
		t.sessions[id] = 0
		return json.Marshal(initSessionResponse{
			responseStatus: responseStatus{Status: statusSuccess},
			SessionID:      id,
		})
	case opCloseSession:
		delete(t.sessions, req.SessionID)
		return json.Marshal(responseStatus{Status: statusSuccess})
	}

	lastSeq, ok := t.sessions[req.SessionID]
	if !ok {
		return fail("SESSION_UNKNOWN", "no such session")
	}
	if req.SequenceNumber <= lastSeq {
		return fail("REPLAY_DETECTED",
			fmt.Sprintf("sequence %d not above %d", req.SequenceNumber, lastSeq))
	}
	t.sessions[req.SessionID] = req.SequenceNumber

	if req.Operation != opGenerateSignature {
		return fail("UNSUPPORTED_OPERATION",
			req.Operation+" requires a payment HSM gateway, not a raw PKCS#11 token")
	}

	signer, err := t.ctx.FindKeyPair(nil, []byte(req.KeyLabel))
	if err != nil {
		return fail("KEY_LOOKUP_FAILED", err.Error())
	}
	if signer == nil {
		return fail("UNKNOWN_KEY_LABEL", req.KeyLabel)
	}
	digest := sha256.Sum256([]byte(req.Data))
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return fail("SIGN_FAILED", err.Error())
	}
	return json.Marshal(signatureResponse{
		responseStatus: responseStatus{Status: statusSuccess},
		Signature:      base64.StdEncoding.EncodeToString(sig),
		Algorithm:      "RSA_SHA256",
		KeyLabel:       req.KeyLabel,
	})
}
