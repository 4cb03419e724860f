package hsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the client's session state.
type State string

const (
	StateClosed State = "Closed"
	StateOpen   State = "Open"
)

// Config tunes the client's retry and timeout behavior.
type Config struct {
	// ClientID identifies this logical client to the HSM gateway.
	ClientID string
	// Timeout bounds every operation. Defaults to 30s.
	Timeout time.Duration
	// RetryAttempts is the number of additional attempts after a transport
	// failure. Business rejections and timeouts are never retried.
	RetryAttempts int
	// RetryBackoff is the base delay between attempts, doubled each retry.
	RetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "CARD_ENGINE"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
}

// Client owns one HSM session. All operations, including retries, run
// inside a single critical section, so sequence numbers are issued strictly
// increasing with no gaps and no reordering across concurrent callers.
//
// A fatal transport failure (retries exhausted, timeout, or cancellation
// after send) closes the session; callers must Open again.
type Client struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	seq       uint64
}

// NewClient builds a client over the given transport. The session starts
// Closed; call Open before any operation.
func NewClient(transport Transport, cfg Config, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		transport: transport,
		cfg:       cfg,
		logger:    logger.With("component", "hsm"),
		state:     StateClosed,
	}
}

// State reports the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// statusCarrier is implemented by every response type via the embedded
// responseStatus.
type statusCarrier interface {
	status() responseStatus
}

func (r responseStatus) status() responseStatus { return r }

// Open performs INITIALIZE_SESSION and transitions Closed -> Open.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen {
		return ErrSessionOpen
	}
	var resp initSessionResponse
	err := c.exchangeLocked(ctx, opInitializeSession, func(hdr requestHeader) any {
		return &initSessionRequest{requestHeader: hdr, ClientID: c.cfg.ClientID, Version: "1.0"}
	}, &resp, false)
	if err != nil {
		return err
	}
	if resp.SessionID == "" {
		return &BusinessError{Op: opInitializeSession, Code: "NO_SESSION_ID", Message: "HSM returned empty session ID"}
	}
	c.sessionID = resp.SessionID
	c.seq = 0
	c.state = StateOpen
	c.logger.Info("session opened", "session_id", c.sessionID)
	return nil
}

// Close notifies the HSM and transitions to Closed. The local session is
// torn down even when the notification fails; Close on a closed client is
// a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil
	}
	sessionID := c.sessionID
	var resp responseStatus
	err := c.exchangeLocked(ctx, opCloseSession, func(hdr requestHeader) any {
		hdr.SessionID = sessionID
		return &struct{ requestHeader }{hdr}
	}, &resp, false)
	c.state = StateClosed
	c.sessionID = ""
	c.logger.Info("session closed", "session_id", sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// HealthCheck probes the HSM. It requires no session and does not consume
// a sequence number.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var resp responseStatus
	return c.exchangeLocked(ctx, opHealthCheck, func(hdr requestHeader) any {
		return &struct{ requestHeader }{hdr}
	}, &resp, false)
}

// GenerateCardKeys creates the ICC, issuer-public, and iCVV key set for a
// new card and returns their handles.
func (c *Client) GenerateCardKeys(ctx context.Context, cardType, binProfile string, emv *EMVProfile) (*CardKeys, error) {
	var resp cardKeysResponse
	err := c.do(ctx, opGenerateCardKeys, func(hdr requestHeader) any {
		return &cardKeysRequest{requestHeader: hdr, CardType: cardType, BINProfile: binProfile, EMVProfile: emv}
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &CardKeys{
		ICCKeyRef:          resp.Keys.ICCKey.Handle,
		IssuerPublicKeyRef: resp.Keys.IssuerPublicKey.Handle,
		ICVVKeyRef:         resp.Keys.ICVVKey.Handle,
		PublicKeyData:      resp.Keys.IssuerPublicKey.Data,
		Algorithm:          resp.Keys.ICCKey.Algorithm,
		KeySize:            resp.Keys.ICCKey.Size,
	}, nil
}

// GeneratePin asks the HSM to generate a PIN under policy, encrypted under
// the named zone key. The plaintext PIN never crosses the wire.
func (c *Client) GeneratePin(ctx context.Context, cardNumber, customerID string, policy PinPolicySpec, zoneKeyLabel string) (*PinResult, error) {
	if zoneKeyLabel == "" {
		zoneKeyLabel = "ZPK_DEFAULT"
	}
	var resp generatePinResponse
	err := c.do(ctx, opGeneratePin, func(hdr requestHeader) any {
		return &generatePinRequest{
			requestHeader:  hdr,
			CardNumber:     cardNumber,
			CustomerID:     customerID,
			PinPolicy:      policy,
			KeyLabel:       zoneKeyLabel,
			PinBlockFormat: PinBlockFormatISO0,
		}
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &PinResult{
		PinRef:         resp.Pin.Handle,
		MaskedPin:      resp.Pin.MaskedValue,
		PinBlock:       resp.Pin.PinBlock,
		PinBlockFormat: resp.Pin.Format,
		MaxAttempts:    resp.Pin.MaxAttempts,
		ExpiryDate:     resp.Pin.ExpiryDate,
	}, nil
}

// GenerateCvv2 derives the CVV2 for a card and returns its handle and
// masked value.
func (c *Client) GenerateCvv2(ctx context.Context, cardNumber, expiryDate, serviceCode, keyLabel string) (*Cvv2Result, error) {
	if serviceCode == "" {
		serviceCode = "000"
	}
	if keyLabel == "" {
		keyLabel = "CVV2_KEY"
	}
	var resp generateCvv2Response
	err := c.do(ctx, opGenerateCvv2, func(hdr requestHeader) any {
		return &generateCvv2Request{
			requestHeader: hdr,
			CardNumber:    cardNumber,
			ExpiryDate:    expiryDate,
			ServiceCode:   serviceCode,
			KeyLabel:      keyLabel,
			Algorithm:     "VISA_PVV",
		}
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &Cvv2Result{
		CvvRef:      resp.Cvv2.Handle,
		MaskedCvv:   resp.Cvv2.MaskedValue,
		Algorithm:   resp.Cvv2.Algorithm,
		GeneratedAt: resp.Cvv2.GeneratedAt,
	}, nil
}

// GenerateEmvChip personalizes the EMV application for a card.
func (c *Client) GenerateEmvChip(ctx context.Context, cardNumber string, cardKeys *CardKeys, emv *EMVProfile) (*EmvChipResult, error) {
	var resp emvChipResponse
	err := c.do(ctx, opGenerateEmvChip, func(hdr requestHeader) any {
		return &emvChipRequest{requestHeader: hdr, CardNumber: cardNumber, CardKeys: cardKeys, EMVProfile: emv}
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &EmvChipResult{
		ChipRef:          resp.Chip.Handle,
		ChipData:         resp.Chip.Data,
		AID:              resp.Chip.AID,
		ApplicationLabel: resp.Chip.ApplicationLabel,
	}, nil
}

// TranslatePin re-encrypts a PIN block from one zone key to another without
// exposing the plaintext PIN.
func (c *Client) TranslatePin(ctx context.Context, cardNumber, pinBlock, sourceFormat, targetFormat, sourceKeyLabel, targetKeyLabel string) (string, error) {
	var resp translatePinResponse
	err := c.do(ctx, opTranslatePin, func(hdr requestHeader) any {
		return &translatePinRequest{
			requestHeader:  hdr,
			SourcePinBlock: pinBlock,
			SourceFormat:   sourceFormat,
			TargetFormat:   targetFormat,
			SourceKeyLabel: sourceKeyLabel,
			TargetKeyLabel: targetKeyLabel,
			CardNumber:     cardNumber,
		}
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.TranslatedPinBlock, nil
}

// VerifyPin checks a PIN block against the card's reference PIN inside the
// HSM.
func (c *Client) VerifyPin(ctx context.Context, cardNumber, pinBlock, keyLabel string, maxAttempts int) (*VerifyPinResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var resp verifyPinResponse
	err := c.do(ctx, opVerifyPin, func(hdr requestHeader) any {
		return &verifyPinRequest{
			requestHeader:  hdr,
			CardNumber:     cardNumber,
			PinBlock:       pinBlock,
			PinBlockFormat: PinBlockFormatISO0,
			KeyLabel:       keyLabel,
			MaxAttempts:    maxAttempts,
		}
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &VerifyPinResult{
		Verified:          resp.Verified,
		AttemptsRemaining: resp.AttemptsRemaining,
		Locked:            resp.Locked,
	}, nil
}

// GenerateDigitalSignature signs payload with the named HSM key.
func (c *Client) GenerateDigitalSignature(ctx context.Context, payload, keyLabel string) (*SignatureResult, error) {
	var resp signatureResponse
	err := c.do(ctx, opGenerateSignature, func(hdr requestHeader) any {
		return &signatureRequest{
			requestHeader: hdr,
			Data:          payload,
			KeyLabel:      keyLabel,
			Algorithm:     "RSA_SHA256",
			Encoding:      "BASE64",
		}
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &SignatureResult{
		Signature: resp.Signature,
		Algorithm: resp.Algorithm,
		KeyLabel:  resp.KeyLabel,
	}, nil
}

// do runs one session-bound operation including sequence issuance and
// retries under the client mutex.
func (c *Client) do(ctx context.Context, op string, makeReq func(requestHeader) any, out statusCarrier) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return fmt.Errorf("%s: %w", op, ErrSessionNotOpen)
	}
	return c.exchangeLocked(ctx, op, makeReq, out, true)
}

// exchangeLocked performs the request/response exchange. Callers hold c.mu.
// Every attempt, including retries, carries a fresh sequence number: over
// HTTP there is no guarantee a failed attempt was never applied, so a
// number is never reissued.
func (c *Client) exchangeLocked(ctx context.Context, op string, makeReq func(requestHeader) any, out statusCarrier, withSession bool) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBackoff << (attempt - 1)
			c.logger.Warn("retrying after transport failure",
				"op", op, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				c.teardownLocked()
				return fmt.Errorf("%s: %w", op, ErrUncertain)
			}
		}

		hdr := requestHeader{
			Operation: op,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		if withSession {
			c.seq++
			hdr.SessionID = c.sessionID
			hdr.SequenceNumber = c.seq
		}
		body, err := json.Marshal(makeReq(hdr))
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}

		opCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		raw, err := c.transport.RoundTrip(opCtx, body)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				c.teardownLocked()
				return fmt.Errorf("%s: %w", op, ErrTimeout)
			case errors.Is(err, context.Canceled):
				c.teardownLocked()
				return fmt.Errorf("%s: %w", op, ErrUncertain)
			default:
				lastErr = &TransportError{Op: op, Err: err}
				continue
			}
		}

		if err := json.Unmarshal(raw, out); err != nil {
			lastErr = &TransportError{Op: op, Err: fmt.Errorf("malformed response: %w", err)}
			continue
		}
		st := out.status()
		if st.Status != statusSuccess {
			return &BusinessError{Op: op, Code: st.ErrorCode, Message: st.ErrorMessage}
		}
		return nil
	}

	// Retries exhausted: the session's sequence state can no longer be
	// trusted, so the session is torn down.
	c.teardownLocked()
	c.logger.Error("transport retries exhausted", "op", op, "error", lastErr)
	return lastErr
}

// teardownLocked drops the local session after a fatal failure. Callers
// hold c.mu.
func (c *Client) teardownLocked() {
	if c.state == StateOpen {
		c.logger.Warn("session torn down after fatal failure", "session_id", c.sessionID)
	}
	c.state = StateClosed
	c.sessionID = ""
}
