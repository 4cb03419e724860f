// Package issuer orchestrates card issuance and lifecycle operations. The
// issuance path is a saga: identity and account checks, HSM material
// generation, registry and switch calls, then a single durable card record.
// A failure at any step leaves no partial record; external effects already
// committed are queued for manual reconciliation.
//
// All state-changing calls require an Operator and emit a hash-chained
// operation-log entry. Responses carry masked card data only.
package issuer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parsabank/cardengine/card"
	"github.com/parsabank/cardengine/hsm"
	"github.com/parsabank/cardengine/keymgr"
	"github.com/parsabank/cardengine/oplog"
	"github.com/parsabank/cardengine/storage"
)

// Operator identifies the staff member or system principal performing a
// state-changing operation.
type Operator struct {
	ID   string `json:"operatorId"`
	Role string `json:"role"`
}

func (o Operator) validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return &ValidationError{Field: "operatorId", Reason: "required"}
	}
	if strings.TrimSpace(o.Role) == "" {
		return &ValidationError{Field: "operatorRole", Reason: "required"}
	}
	return nil
}

// Customer is the applicant's identity block.
type Customer struct {
	CustomerID string `json:"customerId,omitempty"`
	FullName   string `json:"fullName"`
	NationalID string `json:"nationalId"`
	Phone      string `json:"phone"`
}

// Account is the funding account block.
type Account struct {
	AccountNumber string `json:"accountNumber"`
	BankCode      string `json:"bankCode"`
	Balance       int64  `json:"balance"`
}

// IssueRequest is the input to the issuance saga.
type IssueRequest struct {
	Customer Customer     `json:"customer"`
	Account  Account      `json:"account"`
	CardType string       `json:"cardType"`
	Limits   *card.Limits `json:"limits,omitempty"`
}

var cardTypes = map[string]struct{}{
	card.TypeDebit: {}, card.TypeCredit: {}, card.TypePrepaid: {}, card.TypeBusiness: {},
}

func (r *IssueRequest) validate() error {
	c, a := r.Customer, r.Account
	switch {
	case strings.TrimSpace(c.FullName) == "":
		return &ValidationError{Field: "customer.fullName", Reason: "required"}
	case strings.TrimSpace(c.NationalID) == "":
		return &ValidationError{Field: "customer.nationalId", Reason: "required"}
	case strings.TrimSpace(c.Phone) == "":
		return &ValidationError{Field: "customer.phone", Reason: "required"}
	case strings.TrimSpace(a.AccountNumber) == "":
		return &ValidationError{Field: "account.accountNumber", Reason: "required"}
	case strings.TrimSpace(a.BankCode) == "":
		return &ValidationError{Field: "account.bankCode", Reason: "required"}
	case a.Balance <= 0:
		return &ValidationError{Field: "account.balance", Reason: "must be positive"}
	}
	if _, ok := cardTypes[strings.ToUpper(r.CardType)]; !ok {
		return &ValidationError{Field: "cardType", Reason: "must be DEBIT, CREDIT, PREPAID or BUSINESS"}
	}
	if r.Limits != nil {
		if r.Limits.DailyWithdrawal < 0 || r.Limits.DailyPurchase < 0 || r.Limits.MonthlyTotal < 0 {
			return &ValidationError{Field: "limits", Reason: "must not be negative"}
		}
	}
	return nil
}

// Config tunes issuance behavior. Zero values take the scheme defaults.
type Config struct {
	// ValidityYears is the card validity for regular issuance.
	ValidityYears int
	// EmergencyValidityMonths is the short validity for emergency cards.
	EmergencyValidityMonths int
	// SignatureKeyLabel is the HSM key that signs issuance payloads.
	SignatureKeyLabel string
	// ServiceCode goes on the magnetic stripe and into CVV2 derivation.
	ServiceCode string
	// DefaultLimits apply when the request carries none.
	DefaultLimits card.Limits
	// PinLockout is the lockout window after PIN attempts are exhausted.
	PinLockout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ValidityYears == 0 {
		c.ValidityYears = 4
	}
	if c.EmergencyValidityMonths == 0 {
		c.EmergencyValidityMonths = 3
	}
	if c.SignatureKeyLabel == "" {
		c.SignatureKeyLabel = "ZMK_MASTER"
	}
	if c.ServiceCode == "" {
		c.ServiceCode = card.DefaultServiceCode
	}
	if c.DefaultLimits == (card.Limits{}) {
		// Scheme defaults in rials.
		c.DefaultLimits = card.Limits{
			DailyWithdrawal: 5_000_000,
			DailyPurchase:   10_000_000,
			MonthlyTotal:    100_000_000,
		}
	}
	if c.PinLockout == 0 {
		c.PinLockout = card.DefaultLockout
	}
	return c
}

// Deps are the issuer's collaborators. Notifier and Catalog are optional.
type Deps struct {
	HSM      *hsm.Client
	Keys     *keymgr.Manager
	Store    *card.Store
	Repo     storage.Repository
	Log      *oplog.Log
	Identity IdentityVerifier
	Accounts AccountVerifier
	Registry RegistryClient
	Notifier Notifier
	Catalog  *Catalog
}

// Issuer is the card issuance and lifecycle service.
type Issuer struct {
	hsm      *hsm.Client
	keys     *keymgr.Manager
	store    *card.Store
	repo     storage.Repository
	log      *oplog.Log
	catalog  *Catalog
	identity IdentityVerifier
	accounts AccountVerifier
	registry RegistryClient
	notifier Notifier
	logger   *slog.Logger
	cfg      Config

	// Per-PAN mutexes so concurrent operations on the same card serialize
	// while different cards proceed in parallel.
	locks sync.Map
}

// New wires up an Issuer. All Deps except Notifier and Catalog are required.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Issuer, error) {
	switch {
	case deps.HSM == nil:
		return nil, errors.New("issuer: HSM client is required")
	case deps.Keys == nil:
		return nil, errors.New("issuer: key manager is required")
	case deps.Store == nil:
		return nil, errors.New("issuer: card store is required")
	case deps.Repo == nil:
		return nil, errors.New("issuer: repository is required")
	case deps.Log == nil:
		return nil, errors.New("issuer: operation log is required")
	case deps.Identity == nil:
		return nil, errors.New("issuer: identity verifier is required")
	case deps.Accounts == nil:
		return nil, errors.New("issuer: account verifier is required")
	case deps.Registry == nil:
		return nil, errors.New("issuer: registry client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = NewCatalog(nil, nil)
	}
	return &Issuer{
		hsm:      deps.HSM,
		keys:     deps.Keys,
		store:    deps.Store,
		repo:     deps.Repo,
		log:      deps.Log,
		catalog:  catalog,
		identity: deps.Identity,
		accounts: deps.Accounts,
		registry: deps.Registry,
		notifier: deps.Notifier,
		logger:   logger.With(slog.String("component", "issuer")),
		cfg:      cfg.withDefaults(),
	}, nil
}

// lockPAN serializes operations on one card number. The returned func
// releases the lock.
func (i *Issuer) lockPAN(pan string) func() {
	v, _ := i.locks.LoadOrStore(pan, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (i *Issuer) notify(event Event) {
	if i.notifier == nil {
		return
	}
	// Best effort; the operation already succeeded.
	if err := i.notifier.Notify(context.Background(), event); err != nil {
		i.logger.Warn("notification delivery failed",
			"event", event.Type, "card", event.MaskedCardNumber, "err", err)
	}
}
