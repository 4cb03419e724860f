package hsm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, cfg Config) (*Client, *MockTransport) {
	t.Helper()
	mock, err := NewMockTransport()
	require.NoError(t, err)
	return NewClient(mock, cfg, nil), mock
}

func openTestClient(t *testing.T, cfg Config) (*Client, *MockTransport) {
	t.Helper()
	c, mock := newTestClient(t, cfg)
	require.NoError(t, c.Open(context.Background()))
	return c, mock
}

func TestSessionLifecycle(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	ctx := context.Background()

	assert.Equal(t, StateClosed, c.State())

	// Operations outside Open fail.
	_, err := c.GenerateCvv2(ctx, "6037990000000014", "2030-09", "", "")
	require.ErrorIs(t, err, ErrSessionNotOpen)

	require.NoError(t, c.Open(ctx))
	assert.Equal(t, StateOpen, c.State())

	// Double open is rejected.
	require.ErrorIs(t, c.Open(ctx), ErrSessionOpen)

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, StateClosed, c.State())

	// Close is idempotent.
	require.NoError(t, c.Close(ctx))

	// Re-open works.
	require.NoError(t, c.Open(ctx))
	require.NoError(t, c.Close(ctx))
}

func TestHealthCheckWithoutSession(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	require.NoError(t, c.HealthCheck(context.Background()))
	assert.Equal(t, StateClosed, c.State())
}

// seqRecorder wraps a transport and captures sequence numbers in arrival
// order.
type seqRecorder struct {
	inner Transport

	mu   sync.Mutex
	seqs []uint64
}

func (r *seqRecorder) RoundTrip(ctx context.Context, body []byte) ([]byte, error) {
	var hdr struct {
		SequenceNumber uint64 `json:"sequenceNumber"`
	}
	_ = json.Unmarshal(body, &hdr)
	r.mu.Lock()
	if hdr.SequenceNumber > 0 {
		r.seqs = append(r.seqs, hdr.SequenceNumber)
	}
	r.mu.Unlock()
	return r.inner.RoundTrip(ctx, body)
}

func TestSequenceNumbersStrictlyIncreasing(t *testing.T) {
	mock, err := NewMockTransport()
	require.NoError(t, err)
	rec := &seqRecorder{inner: mock}
	c := NewClient(rec, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))

	const n = 24
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GenerateCvv2(ctx, "6037990000000014", "2030-09", "", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.seqs, n)
	for i := 1; i < len(rec.seqs); i++ {
		assert.Equal(t, rec.seqs[i-1]+1, rec.seqs[i],
			"sequence numbers must increase by exactly one")
	}
}

func TestTransportRetry(t *testing.T) {
	c, mock := openTestClient(t, Config{RetryAttempts: 2, RetryBackoff: time.Millisecond})

	mock.FailTransport(2)
	_, err := c.GenerateCvv2(context.Background(), "6037990000000014", "2030-09", "", "")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, c.State())
}

func TestTransportRetriesExhaustedClosesSession(t *testing.T) {
	c, mock := openTestClient(t, Config{RetryAttempts: 1, RetryBackoff: time.Millisecond})

	mock.FailTransport(5)
	_, err := c.GenerateCvv2(context.Background(), "6037990000000014", "2030-09", "", "")
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateClosed, c.State())

	_, err = c.GenerateCvv2(context.Background(), "6037990000000014", "2030-09", "", "")
	require.ErrorIs(t, err, ErrSessionNotOpen)
}

func TestBusinessRejectionNotRetried(t *testing.T) {
	c, mock := openTestClient(t, Config{RetryAttempts: 3, RetryBackoff: time.Millisecond})

	mock.RejectNext("UNKNOWN_KEY_LABEL", "no such key")
	_, err := c.GeneratePin(context.Background(), "6037990000000014", "cust-1", PinPolicySpec{Length: 4}, "ZPK_MISSING")
	require.Error(t, err)

	var be *BusinessError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "UNKNOWN_KEY_LABEL", be.Code)
	// Business rejections leave the session open.
	assert.Equal(t, StateOpen, c.State())
}

// blockingTransport never responds until the context ends.
type blockingTransport struct{}

func (blockingTransport) RoundTrip(ctx context.Context, _ []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestOperationTimeout(t *testing.T) {
	mock, err := NewMockTransport()
	require.NoError(t, err)
	c := NewClient(mock, Config{}, nil)
	require.NoError(t, c.Open(context.Background()))

	// Swap in a transport that hangs.
	c.transport = blockingTransport{}
	c.cfg.Timeout = 10 * time.Millisecond

	_, opErr := c.GenerateCvv2(context.Background(), "6037990000000014", "2030-09", "", "")
	require.ErrorIs(t, opErr, ErrTimeout)
	assert.Equal(t, StateClosed, c.State())
}

func TestCancellationIsUncertain(t *testing.T) {
	mock, err := NewMockTransport()
	require.NoError(t, err)
	c := NewClient(mock, Config{}, nil)
	require.NoError(t, c.Open(context.Background()))

	c.transport = blockingTransport{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, opErr := c.GenerateCvv2(ctx, "6037990000000014", "2030-09", "", "")
		done <- opErr
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	opErr := <-done
	require.ErrorIs(t, opErr, ErrUncertain)
	assert.Equal(t, StateClosed, c.State())
}

func TestGenerateCardKeys(t *testing.T) {
	c, _ := openTestClient(t, Config{})

	keys, err := c.GenerateCardKeys(context.Background(), "DEBIT", "603799", &EMVProfile{
		AID:              "A0000000999001",
		ApplicationLabel: "PARSA DEBIT",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, keys.ICCKeyRef)
	assert.NotEmpty(t, keys.IssuerPublicKeyRef)
	assert.NotEmpty(t, keys.ICVVKeyRef)
	assert.NotEmpty(t, keys.PublicKeyData)

	// Handles are unique per invocation.
	again, err := c.GenerateCardKeys(context.Background(), "DEBIT", "603799", nil)
	require.NoError(t, err)
	assert.NotEqual(t, keys.ICCKeyRef, again.ICCKeyRef)
}

func TestPinGenerateVerifyRoundTrip(t *testing.T) {
	c, _ := openTestClient(t, Config{})
	ctx := context.Background()
	const pan = "6037990000000014"

	pin, err := c.GeneratePin(ctx, pan, "cust-1", PinPolicySpec{Length: 4, MaxAttempts: 3}, "ZPK_DEFAULT")
	require.NoError(t, err)
	assert.Equal(t, "****", pin.MaskedPin)
	assert.Equal(t, PinBlockFormatISO0, pin.PinBlockFormat)
	assert.NotEmpty(t, pin.PinBlock)

	ok, err := c.VerifyPin(ctx, pan, pin.PinBlock, "ZPK_DEFAULT", 3)
	require.NoError(t, err)
	assert.True(t, ok.Verified)

	bad, err := c.VerifyPin(ctx, pan, "00112233445566ff", "ZPK_DEFAULT", 3)
	require.NoError(t, err)
	assert.False(t, bad.Verified)
	assert.Equal(t, 2, bad.AttemptsRemaining)
}

func TestTranslatePinAcrossZones(t *testing.T) {
	c, _ := openTestClient(t, Config{})
	ctx := context.Background()
	const pan = "6037990000000014"

	pin, err := c.GeneratePin(ctx, pan, "cust-1", PinPolicySpec{Length: 4}, "ZPK_DEFAULT")
	require.NoError(t, err)

	translated, err := c.TranslatePin(ctx, pan, pin.PinBlock, PinBlockFormatISO0, PinBlockFormatISO0, "ZPK_DEFAULT", "ZPK_SWITCH")
	require.NoError(t, err)
	require.NotEmpty(t, translated)
	assert.NotEqual(t, pin.PinBlock, translated)

	// The translated block verifies under the target zone key.
	ok, err := c.VerifyPin(ctx, pan, translated, "ZPK_SWITCH", 3)
	require.NoError(t, err)
	assert.True(t, ok.Verified)

	// A block from the wrong zone does not translate.
	_, err = c.TranslatePin(ctx, pan, "deadbeefdeadbeef", PinBlockFormatISO0, PinBlockFormatISO0, "ZPK_DEFAULT", "ZPK_SWITCH")
	var be *BusinessError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "PIN_BLOCK_MISMATCH", be.Code)
}

func TestGenerateSignatureDeterministicPerPayload(t *testing.T) {
	c, _ := openTestClient(t, Config{})
	ctx := context.Background()

	sig1, err := c.GenerateDigitalSignature(ctx, "payload-a", "EMV_SIGNING")
	require.NoError(t, err)
	assert.NotEmpty(t, sig1.Signature)
	assert.Equal(t, "RSA_SHA256", sig1.Algorithm)

	sig2, err := c.GenerateDigitalSignature(ctx, "payload-b", "EMV_SIGNING")
	require.NoError(t, err)
	assert.NotEqual(t, sig1.Signature, sig2.Signature)
}

func TestEmvChipGeneration(t *testing.T) {
	c, _ := openTestClient(t, Config{})
	ctx := context.Background()

	keys, err := c.GenerateCardKeys(ctx, "DEBIT", "603799", nil)
	require.NoError(t, err)

	chip, err := c.GenerateEmvChip(ctx, "6037990000000014", keys, &EMVProfile{
		AID:              "A0000000999001",
		ApplicationLabel: "PARSA DEBIT",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, chip.ChipRef)
	assert.NotEmpty(t, chip.ChipData)
	assert.Equal(t, "A0000000999001", chip.AID)
}

func TestSessionUnknownAfterMockRestart(t *testing.T) {
	c, _ := openTestClient(t, Config{})

	// A different mock does not know this session.
	fresh, err := NewMockTransport()
	require.NoError(t, err)
	c.transport = fresh

	_, opErr := c.GenerateCvv2(context.Background(), "6037990000000014", "2030-09", "", "")
	var be *BusinessError
	require.ErrorAs(t, opErr, &be)
	assert.Equal(t, "SESSION_UNKNOWN", be.Code)
}

func TestErrorsUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	te := &TransportError{Op: "GENERATE_PIN", Err: inner}
	assert.ErrorIs(t, te, inner)
	assert.Contains(t, te.Error(), "GENERATE_PIN")

	be := &BusinessError{Op: "VERIFY_PIN", Code: "UNKNOWN_KEY_LABEL", Message: "no such key"}
	assert.Contains(t, be.Error(), "UNKNOWN_KEY_LABEL")
}
