// Package hsm implements the session client for the payment HSM. A Client
// owns exactly one logical session; all operations are serialized behind a
// mutex so sequence numbers are issued strictly increasing with no gaps.
// Key, PIN, CVV2, and chip material never leaves the HSM in plaintext —
// results carry opaque handles and masked or zone-encrypted values only.
package hsm

// PinBlockFormatISO0 is the default PIN block format (ISO 9564 format 0).
const PinBlockFormatISO0 = "ISO_0"

// EMVProfile describes the chip application to personalize.
type EMVProfile struct {
	AID                  string   `json:"aid"`
	ApplicationLabel     string   `json:"applicationLabel"`
	TerminalCapabilities string   `json:"terminalCapabilities,omitempty"`
	CVMList              []string `json:"cvmList,omitempty"`
	IssuerActionCodes    string   `json:"issuerActionCodes,omitempty"`
}

// PinPolicySpec is the subset of the PIN policy the HSM enforces when
// generating a PIN on-device.
type PinPolicySpec struct {
	Length                int  `json:"length"`
	AllowRepeatedDigits   bool `json:"allowRepeatedDigits"`
	AllowSequentialDigits bool `json:"allowSequentialDigits"`
	MaxAttempts           int  `json:"maxAttempts"`
}

// CardKeys holds the opaque handles of a card's key set. The issuer public
// key is the only key whose material ever leaves the HSM.
type CardKeys struct {
	ICCKeyRef          string `json:"iccKeyRef"`
	IssuerPublicKeyRef string `json:"issuerPublicKeyRef"`
	ICVVKeyRef         string `json:"icvvKeyRef"`
	PublicKeyData      string `json:"publicKeyData,omitempty"`
	Algorithm          string `json:"algorithm,omitempty"`
	KeySize            int    `json:"keySize,omitempty"`
}

// PinResult is the outcome of GeneratePin. The plaintext PIN never appears;
// PinBlock is encrypted under the requested zone key.
type PinResult struct {
	PinRef         string
	MaskedPin      string
	PinBlock       string
	PinBlockFormat string
	MaxAttempts    int
	ExpiryDate     string
}

// Cvv2Result is the outcome of GenerateCvv2.
type Cvv2Result struct {
	CvvRef      string
	MaskedCvv   string
	Algorithm   string
	GeneratedAt string
}

// EmvChipResult is the outcome of GenerateEmvChip.
type EmvChipResult struct {
	ChipRef          string
	ChipData         string
	AID              string
	ApplicationLabel string
}

// VerifyPinResult is the outcome of VerifyPin.
type VerifyPinResult struct {
	Verified          bool
	AttemptsRemaining int
	Locked            bool
}

// SignatureResult is the outcome of GenerateDigitalSignature.
type SignatureResult struct {
	Signature string
	Algorithm string
	KeyLabel  string
}
