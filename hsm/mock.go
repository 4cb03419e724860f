package hsm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/parsabank/cardengine/internal/util"
	"github.com/parsabank/cardengine/internal/uuid"
)

// MockTransport is an in-process HSM for tests and demos. Material is
// derived deterministically per card from a random root key held in a
// memguard enclave, so generate-then-verify round trips behave like a real
// device. It is NOT a production backend: real deployments point the
// HTTPTransport (or the PKCS#11 transport) at an actual HSM, where
// generation is opaque and non-derivable.
//
// The mock enforces the session protocol: operations without a live
// session are rejected, and a sequence number at or below the last one
// seen on a session is rejected as a replay.
type MockTransport struct {
	mu        sync.Mutex
	root      *memguard.Enclave
	sessions  map[string]uint64
	failNext  int
	rejected  *responseStatus
	rejectOps map[string]responseStatus
	keySerial int
}

var _ Transport = (*MockTransport)(nil)

// NewMockTransport creates a mock with a fresh random root key.
func NewMockTransport() (*MockTransport, error) {
	root, err := util.RandomBytes(util.AESKeySize)
	if err != nil {
		return nil, fmt.Errorf("hsm: mock root key: %w", err)
	}
	m := &MockTransport{
		root:      memguard.NewEnclave(root),
		sessions:  make(map[string]uint64),
		rejectOps: make(map[string]responseStatus),
	}
	util.WipeBytes(root)
	return m, nil
}

// FailTransport makes the next n round trips fail with a network error.
func (m *MockTransport) FailTransport(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// RejectNext makes the next session operation fail with a business error.
func (m *MockTransport) RejectNext(code, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = &responseStatus{Status: statusFailed, ErrorCode: code, ErrorMessage: message}
}

// RejectOp makes the next request for a specific operation fail with a
// business error, leaving other operations untouched.
func (m *MockTransport) RejectOp(op, code, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectOps[op] = responseStatus{Status: statusFailed, ErrorCode: code, ErrorMessage: message}
}

// mockRequest is the union of all request fields the mock inspects.
type mockRequest struct {
	Operation      string `json:"operation"`
	SessionID      string `json:"sessionId"`
	SequenceNumber uint64 `json:"sequenceNumber"`
	CardType       string `json:"cardType"`
	BINProfile     string `json:"binProfile"`
	CardNumber     string `json:"cardNumber"`
	CustomerID     string `json:"customerId"`
	ExpiryDate     string `json:"expiryDate"`
	ServiceCode    string `json:"serviceCode"`
	KeyLabel       string `json:"keyLabel"`
	SourceKeyLabel string `json:"sourceKeyLabel"`
	TargetKeyLabel string `json:"targetKeyLabel"`
	TargetFormat   string `json:"targetFormat"`
	SourcePinBlock string `json:"sourcePinBlock"`
	PinBlock       string `json:"pinBlock"`
	MaxAttempts    int    `json:"maxAttempts"`
	Data           string `json:"data"`
	KeyType        string `json:"keyType"`
	KSN            string `json:"ksn"`
	BDKHandle      string `json:"bdkHandle"`
	IPEKHandle     string `json:"ipekHandle"`
	KeyHandle      string `json:"keyHandle"`
	SourceHandle   string `json:"sourceKeyHandle"`
	TargetHandle   string `json:"targetKeyHandle"`
	ParticipantID  string `json:"participantId"`
	Role           string `json:"participantRole"`
	PinPolicy      struct {
		Length int `json:"length"`
	} `json:"pinPolicy"`
	EMVProfile struct {
		AID              string `json:"aid"`
		ApplicationLabel string `json:"applicationLabel"`
	} `json:"emvProfile"`
}

func (m *MockTransport) RoundTrip(ctx context.Context, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return nil, errors.New("connection reset by peer")
	}

	var req mockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}

	switch req.Operation {
	case opHealthCheck:
		return json.Marshal(responseStatus{Status: statusSuccess})
	case opInitializeSession:
		id := uuid.New()
		m.sessions[id] = 0
		return json.Marshal(initSessionResponse{
			responseStatus: responseStatus{Status: statusSuccess},
			SessionID:      id,
		})
	case opCloseSession:
		delete(m.sessions, req.SessionID)
		return json.Marshal(responseStatus{Status: statusSuccess})
	}

	// Session-bound operations.
	lastSeq, ok := m.sessions[req.SessionID]
	if !ok {
		return fail("SESSION_UNKNOWN", "no such session")
	}
	if req.SequenceNumber <= lastSeq {
		return fail("REPLAY_DETECTED",
			fmt.Sprintf("sequence %d not above %d", req.SequenceNumber, lastSeq))
	}
	m.sessions[req.SessionID] = req.SequenceNumber

	if m.rejected != nil {
		st := *m.rejected
		m.rejected = nil
		return json.Marshal(st)
	}
	if st, ok := m.rejectOps[req.Operation]; ok {
		delete(m.rejectOps, req.Operation)
		return json.Marshal(st)
	}

	switch req.Operation {
	case opGenerateCardKeys:
		return m.generateCardKeys(req)
	case opGeneratePin:
		return m.generatePin(req)
	case opGenerateCvv2:
		return m.generateCvv2(req)
	case opGenerateEmvChip:
		return m.generateEmvChip(req)
	case opTranslatePin:
		return m.translatePin(req)
	case opVerifyPin:
		return m.verifyPin(req)
	case opGenerateSignature:
		return m.generateSignature(req)
	case opLoadKey:
		return m.loadKey(req)
	case opGenerateZoneKey:
		return m.generateZoneKey(req)
	case opTransferKey:
		return m.transferKey(req)
	case opDeriveSessionKey:
		return m.deriveSessionKey(req)
	case opCreateKeyShare:
		return m.createKeyShare(req)
	case opActivateKey:
		return m.activateKey(req)
	default:
		return fail("UNSUPPORTED_OPERATION", req.Operation)
	}
}

func fail(code, message string) ([]byte, error) {
	return json.Marshal(responseStatus{Status: statusFailed, ErrorCode: code, ErrorMessage: message})
}

// derive produces deterministic bytes bound to the given context strings.
// Callers hold m.mu.
func (m *MockTransport) derive(parts ...string) ([]byte, error) {
	buf, err := m.root.Open()
	if err != nil {
		return nil, fmt.Errorf("open root key: %w", err)
	}
	defer buf.Destroy()
	return util.HKDF(buf.Bytes(), nil, []byte(strings.Join(parts, "|")))
}

func (m *MockTransport) generateCardKeys(req mockRequest) ([]byte, error) {
	m.keySerial++
	serial := m.keySerial
	pub, err := m.derive("issuer-public", req.BINProfile, fmt.Sprint(serial))
	if err != nil {
		return nil, err
	}
	var resp cardKeysResponse
	resp.Status = statusSuccess
	resp.Keys.ICCKey = keyInfo{Handle: fmt.Sprintf("ICC-%06d", serial), Algorithm: "RSA_2048", Size: 2048}
	resp.Keys.IssuerPublicKey = keyInfo{
		Handle:    fmt.Sprintf("IPK-%06d", serial),
		Algorithm: "RSA_2048",
		Data:      base64.StdEncoding.EncodeToString(pub),
	}
	resp.Keys.ICVVKey = keyInfo{Handle: fmt.Sprintf("ICVV-%06d", serial), Algorithm: "AES_256", Size: 256}
	return json.Marshal(resp)
}

func (m *MockTransport) generatePin(req mockRequest) ([]byte, error) {
	length := req.PinPolicy.Length
	if length < 4 || length > 12 {
		length = 4
	}
	block, err := m.pinBlockFor(req.CardNumber, req.KeyLabel)
	if err != nil {
		return nil, err
	}
	var resp generatePinResponse
	resp.Status = statusSuccess
	resp.Pin.Handle = "PIN-" + uuid.New()
	resp.Pin.MaskedValue = strings.Repeat("*", length)
	resp.Pin.PinBlock = block
	resp.Pin.Format = PinBlockFormatISO0
	resp.Pin.MaxAttempts = 3
	resp.Pin.ExpiryDate = time.Now().UTC().AddDate(4, 0, 0).Format("2006-01")
	return json.Marshal(resp)
}

// pinBlockFor derives the reference PIN block for a card under a zone key.
// VerifyPin recomputes it, so a block produced by GeneratePin verifies.
func (m *MockTransport) pinBlockFor(cardNumber, keyLabel string) (string, error) {
	raw, err := m.derive("pin-block", cardNumber, keyLabel)
	if err != nil {
		return "", err
	}
	return util.HexEncode(raw[:8]), nil
}

func (m *MockTransport) generateCvv2(req mockRequest) ([]byte, error) {
	var resp generateCvv2Response
	resp.Status = statusSuccess
	resp.Cvv2.Handle = "CVV-" + uuid.New()
	resp.Cvv2.MaskedValue = "***"
	resp.Cvv2.Algorithm = "VISA_PVV"
	resp.Cvv2.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(resp)
}

func (m *MockTransport) generateEmvChip(req mockRequest) ([]byte, error) {
	data, err := m.derive("emv-chip", req.CardNumber, req.EMVProfile.AID)
	if err != nil {
		return nil, err
	}
	var resp emvChipResponse
	resp.Status = statusSuccess
	resp.Chip.Handle = "CHIP-" + uuid.New()
	resp.Chip.Data = util.HexEncode(data)
	resp.Chip.AID = req.EMVProfile.AID
	resp.Chip.ApplicationLabel = req.EMVProfile.ApplicationLabel
	resp.Chip.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(resp)
}

func (m *MockTransport) translatePin(req mockRequest) ([]byte, error) {
	// Only blocks produced under the source zone key translate.
	expected, err := m.pinBlockFor(req.CardNumber, req.SourceKeyLabel)
	if err != nil {
		return nil, err
	}
	if req.SourcePinBlock != expected {
		return fail("PIN_BLOCK_MISMATCH", "source PIN block not valid under source key")
	}
	translated, err := m.pinBlockFor(req.CardNumber, req.TargetKeyLabel)
	if err != nil {
		return nil, err
	}
	return json.Marshal(translatePinResponse{
		responseStatus:     responseStatus{Status: statusSuccess},
		TranslatedPinBlock: translated,
		TargetFormat:       req.TargetFormat,
	})
}

func (m *MockTransport) verifyPin(req mockRequest) ([]byte, error) {
	expected, err := m.pinBlockFor(req.CardNumber, req.KeyLabel)
	if err != nil {
		return nil, err
	}
	verified := req.PinBlock == expected
	remaining := req.MaxAttempts
	if !verified {
		remaining = req.MaxAttempts - 1
	}
	return json.Marshal(verifyPinResponse{
		responseStatus:    responseStatus{Status: statusSuccess},
		Verified:          verified,
		AttemptsRemaining: remaining,
		Locked:            false,
	})
}

func (m *MockTransport) loadKey(req mockRequest) ([]byte, error) {
	if req.KeyLabel == "" {
		return fail("UNKNOWN_KEY_LABEL", "empty key label")
	}
	return json.Marshal(loadKeyResponse{
		responseStatus: responseStatus{Status: statusSuccess},
		KeyHandle:      "KH-" + req.KeyLabel,
		KeyLabel:       req.KeyLabel,
		Algorithm:      "AES_256",
		KeySize:        256,
	})
}

func (m *MockTransport) generateZoneKey(req mockRequest) ([]byte, error) {
	m.keySerial++
	return json.Marshal(loadKeyResponse{
		responseStatus: responseStatus{Status: statusSuccess},
		KeyHandle:      fmt.Sprintf("%s-%06d", req.KeyType, m.keySerial),
		KeyLabel:       fmt.Sprintf("%s_%s_%04d", req.KeyType, time.Now().UTC().Format("20060102"), m.keySerial),
		Algorithm:      "AES_256",
		KeySize:        256,
	})
}

func (m *MockTransport) transferKey(req mockRequest) ([]byte, error) {
	if req.SourceHandle == "" || req.TargetHandle == "" {
		return fail("INVALID_KEY_HANDLE", "source and target handles required")
	}
	return json.Marshal(responseStatus{Status: statusSuccess})
}

func (m *MockTransport) deriveSessionKey(req mockRequest) ([]byte, error) {
	if req.BDKHandle == "" || req.IPEKHandle == "" {
		return fail("INVALID_KEY_HANDLE", "BDK and IPEK handles required")
	}
	if req.KSN == "" {
		return fail("INVALID_KSN", "empty KSN")
	}
	raw, err := m.derive("session-key", req.BDKHandle, req.IPEKHandle, req.KSN, req.KeyType)
	if err != nil {
		return nil, err
	}
	return json.Marshal(deriveSessionKeyResponse{
		responseStatus: responseStatus{Status: statusSuccess},
		SessionKey:     "SK-" + util.HexEncode(raw[:12]),
	})
}

func (m *MockTransport) createKeyShare(req mockRequest) ([]byte, error) {
	if req.ParticipantID == "" {
		return fail("INVALID_PARTICIPANT", "participant ID required")
	}
	return json.Marshal(createKeyShareResponse{
		responseStatus: responseStatus{Status: statusSuccess},
		ShareID:        "SHARE-" + uuid.New(),
	})
}

func (m *MockTransport) activateKey(req mockRequest) ([]byte, error) {
	if req.KeyHandle == "" {
		return fail("INVALID_KEY_HANDLE", "key handle required")
	}
	return json.Marshal(responseStatus{Status: statusSuccess})
}

func (m *MockTransport) generateSignature(req mockRequest) ([]byte, error) {
	sig, err := m.derive("signature", req.KeyLabel, req.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(signatureResponse{
		responseStatus: responseStatus{Status: statusSuccess},
		Signature:      base64.StdEncoding.EncodeToString(sig),
		Algorithm:      "RSA_SHA256",
		KeyLabel:       req.KeyLabel,
	})
}
