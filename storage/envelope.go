package storage

import (
	"fmt"

	"github.com/parsabank/cardengine/internal/util"
)

// Envelope is a stored record. Sealed envelopes carry AES-256-GCM
// ciphertext; plain envelopes carry JSON that is not secret (the
// operation log, which must stay verifiable without key material).
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

const (
	schemeSealed = "aes256gcm"
	schemePlain  = "plain-json"
)

// SealRecord encrypts plaintext into an Envelope using the record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte, version ...uint64) (*Envelope, error) {
	cipher, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}

	// EncryptAESWithAAD returns nonce || ciphertext.
	env := &Envelope{
		Ver:        1,
		Scheme:     schemeSealed,
		Nonce:      cipher[:12],
		Ciphertext: cipher[12:],
	}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env, nil
}

// OpenRecord decrypts a sealed Envelope using the record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != schemeSealed {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	fullCipher := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(fullCipher, envelope.Nonce)
	copy(fullCipher[len(envelope.Nonce):], envelope.Ciphertext)

	return util.DecryptAESWithAAD(fullCipher, recordKey, aad)
}

// PlainRecord wraps already-serialized JSON in an unencrypted Envelope.
func PlainRecord(data []byte, version ...uint64) *Envelope {
	env := &Envelope{
		Ver:        1,
		Scheme:     schemePlain,
		Ciphertext: data,
	}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env
}

// Plaintext returns the payload of a plain Envelope.
func (e *Envelope) Plaintext() ([]byte, error) {
	if e.Scheme != schemePlain {
		return nil, fmt.Errorf("envelope scheme %s is not plain", e.Scheme)
	}
	return e.Ciphertext, nil
}

// RecordAAD binds a sealed record to its logical location so envelopes
// cannot be swapped between record types or IDs.
func RecordAAD(recordType, recordID string, version uint64) []byte {
	return []byte(fmt.Sprintf("cardengine|v1|%s|%s|%d", recordType, recordID, version))
}
