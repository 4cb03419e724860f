package hsm

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Transport carries one encoded request to the HSM and returns the raw
// response body. Implementations must honor ctx cancellation and report
// network-level failures as plain errors; the Client classifies them.
type Transport interface {
	RoundTrip(ctx context.Context, body []byte) ([]byte, error)
}

// HTTPConfig configures the mutually-authenticated HTTPS transport.
type HTTPConfig struct {
	// Endpoint is the HSM gateway URL, e.g. https://hsm.parsabank.ir:8443/hsm.
	Endpoint string
	// CertFile and KeyFile are the client certificate pair; both required.
	CertFile string
	KeyFile  string
	// CAFile optionally pins the HSM's CA. When empty the system pool is used.
	CAFile string
	// ClientID is sent in the X-HSM-Client-ID header.
	ClientID string
	// Timeout bounds a single round trip. Defaults to 30s.
	Timeout time.Duration
}

// HTTPTransport speaks the JSON-over-mTLS protocol of the HSM gateway.
type HTTPTransport struct {
	endpoint string
	clientID string
	client   *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport builds the mTLS transport. The client certificate pair
// is mandatory: the gateway rejects unauthenticated peers.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("hsm: endpoint required")
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("hsm: client certificate and key required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("hsm: load client certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("hsm: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("hsm: no certificates in CA file %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		endpoint: cfg.Endpoint,
		clientID: cfg.ClientID,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     tlsCfg,
				MaxIdleConns:        4,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}, nil
}

func (t *HTTPTransport) RoundTrip(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-HSM-Client-ID", t.clientID)
	req.Header.Set("X-HSM-Version", "1.0")
	req.Header.Set("X-HSM-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %d: %s", resp.StatusCode, data)
	}
	return data, nil
}
