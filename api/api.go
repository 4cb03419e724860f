// Package api exposes the card engine over REST. State-changing endpoints
// require operator information in the request body; every response carries
// masked card data only.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/parsabank/cardengine/issuer"
	"github.com/parsabank/cardengine/keymgr"
	"github.com/parsabank/cardengine/oplog"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	issuer     *issuer.Issuer
	keys       *keymgr.Manager
	log        *oplog.Log
	audit      *auditLogger
	pinLimiter *pinRateLimiter
	issLimiter *issuanceRateLimiter
	webhook    *auditWebhook

	trustedProxies []netip.Prefix
	alertFn        AlertFunc
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc installs an anomaly alert callback (PIN failure spikes,
// issuance failure spikes).
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards audit events to an external HTTP endpoint.
// authHeader is "Header: Value", for example "Authorization: Bearer xxx".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhook = newAuditWebhook(url, authHeader)
	}
}

// WithTrustedProxies sets the CIDR ranges whose proxy headers
// (X-Forwarded-For and friends) are honored for client IP extraction.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// New creates a new API instance.
func New(iss *issuer.Issuer, keys *keymgr.Manager, log *oplog.Log, opts ...Option) *API {
	a := &API{
		issuer:     iss,
		keys:       keys,
		log:        log,
		pinLimiter: newPinRateLimiter(),
		issLimiter: newIssuanceRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	if a.webhook != nil {
		a.audit.webhook = a.webhook
	}
	return a
}

// Close releases background resources (the audit webhook dispatcher).
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/cards", a.IssueCard)
	r.Post("/cards/emergency", a.IssueEmergencyCard)
	r.Post("/cards/replacement", a.IssueReplacementCard)
	r.Post("/cards/for-account", a.IssueCardForExistingAccount)
	r.Get("/cards", a.ListCards)
	r.Post("/cards/lookup", a.GetCard)
	r.Post("/cards/activate", a.ActivateCard)
	r.Post("/cards/block", a.BlockCard)
	r.Post("/cards/unblock", a.UnblockCard)
	r.Post("/cards/pin/change", a.ChangePin)
	r.Post("/cards/pin/verify", a.VerifyPin)
	r.Post("/cards/pin/reset", a.ResetPinAttempts)
	r.Post("/cards/limits", a.UpdateLimits)

	r.Get("/keys/status", a.KeyStatus)
	r.Post("/keys/rotate", a.RotateZoneKeys)

	r.Get("/logs", a.ListLogs)
	r.Get("/logs/verify", a.VerifyLogChain)
	r.Get("/reconciliations", a.ListReconciliations)

	return r
}
