package hsm

// Wire shapes for the JSON request/response protocol. Every request carries
// the operation name, the session ID (except session bootstrap and health
// probes), a strictly increasing sequence number, and an RFC 3339 timestamp.

const (
	opInitializeSession = "INITIALIZE_SESSION"
	opCloseSession      = "CLOSE_SESSION"
	opHealthCheck       = "HEALTH_CHECK"
	opGenerateCardKeys  = "GENERATE_CARD_KEYS"
	opGeneratePin       = "GENERATE_PIN"
	opGenerateCvv2      = "GENERATE_CVV2"
	opGenerateEmvChip   = "GENERATE_EMV_CHIP"
	opTranslatePin      = "TRANSLATE_PIN"
	opVerifyPin         = "VERIFY_PIN"
	opGenerateSignature = "GENERATE_SIGNATURE"
)

const (
	statusSuccess = "SUCCESS"
	statusFailed  = "FAILED"
)

type requestHeader struct {
	Operation      string `json:"operation"`
	SessionID      string `json:"sessionId,omitempty"`
	SequenceNumber uint64 `json:"sequenceNumber,omitempty"`
	Timestamp      string `json:"timestamp"`
}

type initSessionRequest struct {
	requestHeader
	ClientID string `json:"clientId"`
	Version  string `json:"version"`
}

type cardKeysRequest struct {
	requestHeader
	CardType   string      `json:"cardType"`
	BINProfile string      `json:"binProfile"`
	EMVProfile *EMVProfile `json:"emvProfile,omitempty"`
}

type generatePinRequest struct {
	requestHeader
	CardNumber     string        `json:"cardNumber"`
	CustomerID     string        `json:"customerId"`
	PinPolicy      PinPolicySpec `json:"pinPolicy"`
	KeyLabel       string        `json:"keyLabel"`
	PinBlockFormat string        `json:"pinBlockFormat"`
}

type generateCvv2Request struct {
	requestHeader
	CardNumber  string `json:"cardNumber"`
	ExpiryDate  string `json:"expiryDate"`
	ServiceCode string `json:"serviceCode"`
	KeyLabel    string `json:"keyLabel"`
	Algorithm   string `json:"algorithm"`
}

type emvChipRequest struct {
	requestHeader
	CardNumber string      `json:"cardNumber"`
	CardKeys   *CardKeys   `json:"cardKeys"`
	EMVProfile *EMVProfile `json:"emvProfile"`
}

type translatePinRequest struct {
	requestHeader
	SourcePinBlock string `json:"sourcePinBlock"`
	SourceFormat   string `json:"sourceFormat"`
	TargetFormat   string `json:"targetFormat"`
	SourceKeyLabel string `json:"sourceKeyLabel"`
	TargetKeyLabel string `json:"targetKeyLabel"`
	CardNumber     string `json:"cardNumber"`
}

type verifyPinRequest struct {
	requestHeader
	CardNumber     string `json:"cardNumber"`
	PinBlock       string `json:"pinBlock"`
	PinBlockFormat string `json:"pinBlockFormat"`
	KeyLabel       string `json:"keyLabel"`
	MaxAttempts    int    `json:"maxAttempts"`
}

type signatureRequest struct {
	requestHeader
	Data      string `json:"data"`
	KeyLabel  string `json:"keyLabel"`
	Algorithm string `json:"algorithm"`
	Encoding  string `json:"encoding"`
}

type responseStatus struct {
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type initSessionResponse struct {
	responseStatus
	SessionID string `json:"sessionId"`
}

type keyInfo struct {
	Handle    string `json:"handle"`
	Algorithm string `json:"algorithm,omitempty"`
	Size      int    `json:"size,omitempty"`
	Data      string `json:"data,omitempty"`
}

type cardKeysResponse struct {
	responseStatus
	Keys struct {
		ICCKey          keyInfo `json:"iccKey"`
		IssuerPublicKey keyInfo `json:"issuerPublicKey"`
		ICVVKey         keyInfo `json:"icvvKey"`
	} `json:"keys"`
}

type generatePinResponse struct {
	responseStatus
	Pin struct {
		Handle      string `json:"handle"`
		MaskedValue string `json:"maskedValue"`
		PinBlock    string `json:"pinBlock"`
		Format      string `json:"format"`
		MaxAttempts int    `json:"maxAttempts"`
		ExpiryDate  string `json:"expiryDate,omitempty"`
	} `json:"pin"`
}

type generateCvv2Response struct {
	responseStatus
	Cvv2 struct {
		Handle      string `json:"handle"`
		MaskedValue string `json:"maskedValue"`
		Algorithm   string `json:"algorithm"`
		GeneratedAt string `json:"generatedAt"`
	} `json:"cvv2"`
}

type emvChipResponse struct {
	responseStatus
	Chip struct {
		Handle           string `json:"handle"`
		Data             string `json:"data"`
		AID              string `json:"aid"`
		ApplicationLabel string `json:"applicationLabel"`
		GeneratedAt      string `json:"generatedAt"`
	} `json:"chip"`
}

type translatePinResponse struct {
	responseStatus
	TranslatedPinBlock string `json:"translatedPinBlock"`
	TargetFormat       string `json:"targetFormat"`
}

type verifyPinResponse struct {
	responseStatus
	Verified          bool `json:"verified"`
	AttemptsRemaining int  `json:"attemptsRemaining"`
	Locked            bool `json:"locked"`
}

type signatureResponse struct {
	responseStatus
	Signature string `json:"signature"`
	Algorithm string `json:"algorithm"`
	KeyLabel  string `json:"keyLabel"`
}
