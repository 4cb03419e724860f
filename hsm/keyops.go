package hsm

import "context"

// Key-management operations used by the key hierarchy manager: loading
// handles by label, zone key generation and transfer, DUKPT session key
// derivation, and key-ceremony share handling. Like the card operations,
// these are session-bound and sequence-numbered.

const (
	opLoadKey          = "LOAD_KEY"
	opGenerateZoneKey  = "GENERATE_ZONE_KEY"
	opTransferKey      = "TRANSFER_KEY"
	opDeriveSessionKey = "DERIVE_SESSION_KEY"
	opCreateKeyShare   = "CREATE_KEY_SHARE"
	opActivateKey      = "ACTIVATE_KEY"
)

// KeyHandle is an opaque reference to a key living inside the HSM.
type KeyHandle struct {
	Handle    string `json:"handle"`
	Label     string `json:"label"`
	Type      string `json:"type"`
	Algorithm string `json:"algorithm,omitempty"`
	Size      int    `json:"size,omitempty"`
}

// SessionKeyRef is an HSM-side DUKPT session key reference. The raw key
// never leaves the device.
type SessionKeyRef struct {
	KeyRef  string `json:"sessionKey"`
	KSN     string `json:"ksn"`
	KeyType string `json:"keyType"`
}

type loadKeyRequest struct {
	requestHeader
	KeyLabel string `json:"keyLabel"`
	KeyType  string `json:"keyType"`
	Usage    string `json:"usage"`
}

type loadKeyResponse struct {
	responseStatus
	KeyHandle string `json:"keyHandle"`
	KeyLabel  string `json:"keyLabel"`
	Algorithm string `json:"algorithm,omitempty"`
	KeySize   int    `json:"keySize,omitempty"`
}

type generateZoneKeyRequest struct {
	requestHeader
	KeyType     string `json:"keyType"`
	Algorithm   string `json:"algorithm"`
	Usage       string `json:"usage"`
	Exportable  bool   `json:"exportable"`
	Extractable bool   `json:"extractable"`
}

type transferKeyRequest struct {
	requestHeader
	SourceKeyHandle string `json:"sourceKeyHandle"`
	TargetKeyHandle string `json:"targetKeyHandle"`
	TransferMethod  string `json:"transferMethod"`
}

type deriveSessionKeyRequest struct {
	requestHeader
	BDKHandle        string `json:"bdkHandle"`
	IPEKHandle       string `json:"ipekHandle"`
	KSN              string `json:"ksn"`
	KeyType          string `json:"keyType"`
	DerivationMethod string `json:"derivationMethod"`
}

type deriveSessionKeyResponse struct {
	responseStatus
	SessionKey string `json:"sessionKey"`
}

type createKeyShareRequest struct {
	requestHeader
	KeyHandle       string `json:"keyHandle"`
	ParticipantID   string `json:"participantId"`
	ParticipantRole string `json:"participantRole"`
	ShareMethod     string `json:"shareMethod"`
}

type createKeyShareResponse struct {
	responseStatus
	ShareID string `json:"shareId"`
}

type activateKeyRequest struct {
	requestHeader
	KeyHandle      string `json:"keyHandle"`
	KeyType        string `json:"keyType"`
	ActivationTime string `json:"activationTime"`
}

// KeyUsageFor maps a zone/DUKPT key type to its HSM usage attribute.
func KeyUsageFor(keyType string) string {
	switch keyType {
	case "ZMK":
		return "KEY_WRAP"
	case "ZPK", "IPEK":
		return "PIN_ENCRYPTION"
	case "ZDK":
		return "DATA_ENCRYPTION"
	case "BDK":
		return "KEY_DERIVATION"
	default:
		return "GENERAL"
	}
}

// LoadKey resolves a stored key by label and returns its handle.
func (c *Client) LoadKey(ctx context.Context, label, keyType string) (*KeyHandle, error) {
	var resp loadKeyResponse
	err := c.do(ctx, opLoadKey, func(hdr requestHeader) any {
		return &loadKeyRequest{
			requestHeader: hdr,
			KeyLabel:      label,
			KeyType:       keyType,
			Usage:         KeyUsageFor(keyType),
		}
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &KeyHandle{
		Handle:    resp.KeyHandle,
		Label:     resp.KeyLabel,
		Type:      keyType,
		Algorithm: resp.Algorithm,
		Size:      resp.KeySize,
	}, nil
}

// GenerateZoneKey creates a fresh non-exportable zone key of the given type.
func (c *Client) GenerateZoneKey(ctx context.Context, keyType string) (*KeyHandle, error) {
	var resp loadKeyResponse
	err := c.do(ctx, opGenerateZoneKey, func(hdr requestHeader) any {
		return &generateZoneKeyRequest{
			requestHeader: hdr,
			KeyType:       keyType,
			Algorithm:     "AES_256",
			Usage:         KeyUsageFor(keyType),
		}
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &KeyHandle{
		Handle:    resp.KeyHandle,
		Label:     resp.KeyLabel,
		Type:      keyType,
		Algorithm: resp.Algorithm,
		Size:      resp.KeySize,
	}, nil
}

// TransferKey re-wraps the source key under the target (wrapping) key.
func (c *Client) TransferKey(ctx context.Context, sourceHandle, targetHandle string) error {
	var resp responseStatus
	return c.do(ctx, opTransferKey, func(hdr requestHeader) any {
		return &transferKeyRequest{
			requestHeader:   hdr,
			SourceKeyHandle: sourceHandle,
			TargetKeyHandle: targetHandle,
			TransferMethod:  "KEY_WRAP",
		}
	}, &resp)
}

// DeriveSessionKey performs HSM-side DUKPT derivation from BDK+IPEK+KSN.
func (c *Client) DeriveSessionKey(ctx context.Context, bdkHandle, ipekHandle, ksn, keyType string) (*SessionKeyRef, error) {
	var resp deriveSessionKeyResponse
	err := c.do(ctx, opDeriveSessionKey, func(hdr requestHeader) any {
		return &deriveSessionKeyRequest{
			requestHeader:    hdr,
			BDKHandle:        bdkHandle,
			IPEKHandle:       ipekHandle,
			KSN:              ksn,
			KeyType:          keyType,
			DerivationMethod: "DUKPT",
		}
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &SessionKeyRef{KeyRef: resp.SessionKey, KSN: ksn, KeyType: keyType}, nil
}

// CreateKeyShare splits a ceremony key and assigns one share to a
// participant. Only the share ID crosses the wire.
func (c *Client) CreateKeyShare(ctx context.Context, keyHandle, participantID, participantRole string) (string, error) {
	var resp createKeyShareResponse
	err := c.do(ctx, opCreateKeyShare, func(hdr requestHeader) any {
		return &createKeyShareRequest{
			requestHeader:   hdr,
			KeyHandle:       keyHandle,
			ParticipantID:   participantID,
			ParticipantRole: participantRole,
			ShareMethod:     "KEY_SPLITTING",
		}
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ShareID, nil
}

// ActivateKey marks a generated key as the active key of its type.
func (c *Client) ActivateKey(ctx context.Context, keyHandle, keyType string) error {
	var resp responseStatus
	return c.do(ctx, opActivateKey, func(hdr requestHeader) any {
		return &activateKeyRequest{
			requestHeader:  hdr,
			KeyHandle:      keyHandle,
			KeyType:        keyType,
			ActivationTime: hdr.Timestamp,
		}
	}, &resp)
}
