package switchnet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moov-io/iso8583"
	"github.com/moov-io/iso8583/network"
	connection "github.com/moov-io/iso8583-connection"

	"github.com/parsabank/cardengine/cardnum"
	"github.com/parsabank/cardengine/issuer"
)

// Config is the switch link configuration.
type Config struct {
	// Addr is the switch endpoint, host:port.
	Addr string
	// AcquirerID goes into field 32.
	AcquirerID string
	// TerminalID goes into field 41.
	TerminalID string
	// MerchantID goes into field 42.
	MerchantID string

	// CertFile and KeyFile hold the client certificate pair for the
	// mutually-authenticated link. Both empty means plain TCP, which the
	// switch only allows on test rigs.
	CertFile string
	KeyFile  string
	// CAFile pins the switch CA.
	CAFile string

	// SendTimeout bounds one request-response exchange.
	SendTimeout time.Duration
	// IdleTime is how long the link may sit quiet before the connection
	// layer sends its keepalive.
	IdleTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendTimeout == 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.IdleTime == 0 {
		c.IdleTime = 60 * time.Second
	}
	return c
}

// Client is an issuer.RegistryClient speaking ISO 8583 to the switch.
type Client struct {
	cfg    Config
	logger *slog.Logger
	stan   uint32

	mu   sync.Mutex
	conn *connection.Connection
}

var _ issuer.RegistryClient = (*Client)(nil)

// NewClient builds an unconnected client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "switchnet")),
	}
}

func readMessageLength(r io.Reader) (int, error) {
	header := network.NewBinary2BytesHeader()
	if _, err := header.ReadFrom(r); err != nil {
		return 0, err
	}
	return header.Length(), nil
}

func writeMessageLength(w io.Writer, length int) (int, error) {
	header := network.NewBinary2BytesHeader()
	header.SetLength(length)
	return header.WriteTo(w)
}

// Connect establishes the switch link. With a certificate pair configured
// the link is mutually-authenticated TLS.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return errors.New("switchnet: already connected")
	}

	opts := []connection.Option{
		connection.SendTimeout(c.cfg.SendTimeout),
		connection.IdleTime(c.cfg.IdleTime),
	}

	if c.cfg.CertFile == "" && c.cfg.KeyFile == "" {
		conn, err := connection.New(c.cfg.Addr, Spec, readMessageLength, writeMessageLength, opts...)
		if err != nil {
			return fmt.Errorf("building switch connection: %w", err)
		}
		if err := conn.Connect(); err != nil {
			return fmt.Errorf("connecting to switch %s: %w", c.cfg.Addr, err)
		}
		c.conn = conn
		c.logger.Info("switch link up", slog.String("addr", c.cfg.Addr), slog.Bool("tls", false))
		return nil
	}

	tlsCfg, err := c.tlsConfig()
	if err != nil {
		return err
	}
	dialer := &tls.Dialer{Config: tlsCfg}
	netConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dialing switch %s: %w", c.cfg.Addr, err)
	}
	conn, err := connection.NewFrom(netConn, Spec, readMessageLength, writeMessageLength, opts...)
	if err != nil {
		netConn.Close()
		return fmt.Errorf("building switch connection: %w", err)
	}
	c.conn = conn
	c.logger.Info("switch link up", slog.String("addr", c.cfg.Addr), slog.Bool("tls", true))
	return nil
}

func (c *Client) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.cfg.CertFile, c.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading switch client certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.cfg.CAFile != "" {
		pem, err := os.ReadFile(c.cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading switch CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("switchnet: no certificates in CA file")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Close tears down the switch link.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) nextSTAN() string {
	return fmt.Sprintf("%06d", atomic.AddUint32(&c.stan, 1)%1_000_000)
}

// RegisterCard files the new card with the national registry.
func (c *Client) RegisterCard(ctx context.Context, reg issuer.CardRegistration) (*issuer.RegistryResult, error) {
	msg, err := c.buildRegisterMessage(reg)
	if err != nil {
		return nil, err
	}
	return c.exchange(ctx, msg, "register", cardnum.Mask(reg.CardNumber))
}

// ActivateCard switches the card live on the network.
func (c *Client) ActivateCard(ctx context.Context, pan string) (*issuer.RegistryResult, error) {
	msg, err := c.buildActivateMessage(pan)
	if err != nil {
		return nil, err
	}
	return c.exchange(ctx, msg, "activate", cardnum.Mask(pan))
}

func (c *Client) buildRegisterMessage(reg issuer.CardRegistration) (*iso8583.Message, error) {
	msg, err := c.newRequest(procRegisterCard, reg.CardNumber)
	if err != nil {
		return nil, err
	}
	if err := msg.Field(14, reg.ExpiryDate); err != nil {
		return nil, fmt.Errorf("setting expiry: %w", err)
	}
	extra := fmt.Sprintf("CUST=%s;ACCT=%s;BANK=%s;TYPE=%s",
		reg.CustomerID, reg.AccountNumber, reg.BankCode, reg.CardType)
	if err := msg.Field(48, extra); err != nil {
		return nil, fmt.Errorf("setting additional data: %w", err)
	}
	return msg, nil
}

func (c *Client) buildActivateMessage(pan string) (*iso8583.Message, error) {
	return c.newRequest(procActivateCard, pan)
}

func (c *Client) newRequest(procCode, pan string) (*iso8583.Message, error) {
	msg := iso8583.NewMessage(Spec)
	now := time.Now().UTC()
	fields := []struct {
		id    int
		value string
	}{
		{2, pan},
		{3, procCode},
		{7, now.Format("0102150405")},
		{11, c.nextSTAN()},
		{32, c.cfg.AcquirerID},
		{41, c.cfg.TerminalID},
		{42, c.cfg.MerchantID},
	}
	msg.MTI(mtiFileUpdateRequest)
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := msg.Field(f.id, f.value); err != nil {
			return nil, fmt.Errorf("setting field %d: %w", f.id, err)
		}
	}
	return msg, nil
}

func (c *Client) exchange(ctx context.Context, msg *iso8583.Message, op, maskedPAN string) (*issuer.RegistryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.New("switchnet: not connected")
	}

	resp, err := conn.Send(msg)
	if err != nil {
		return nil, fmt.Errorf("switch %s exchange: %w", op, err)
	}
	return c.parseResponse(resp, op, maskedPAN)
}

func (c *Client) parseResponse(resp *iso8583.Message, op, maskedPAN string) (*issuer.RegistryResult, error) {
	mti, err := resp.GetMTI()
	if err != nil {
		return nil, fmt.Errorf("reading response MTI: %w", err)
	}
	if mti != mtiFileUpdateResponse {
		return nil, fmt.Errorf("switchnet: unexpected response MTI %s", mti)
	}
	code, err := resp.GetString(39)
	if err != nil {
		return nil, fmt.Errorf("reading response code: %w", err)
	}
	rrn, _ := resp.GetString(37)

	if code != respApproved {
		c.logger.Warn("switch declined",
			slog.String("op", op),
			slog.String("card", maskedPAN),
			slog.String("code", code))
		return &issuer.RegistryResult{Success: false, Reason: reasonFor(code)}, nil
	}
	c.logger.Info("switch approved",
		slog.String("op", op),
		slog.String("card", maskedPAN),
		slog.String("rrn", rrn))
	return &issuer.RegistryResult{Success: true, ReferenceID: rrn}, nil
}
