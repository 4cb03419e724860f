// Package card holds the card record model and its lifecycle state
// machine. Records are sealed at rest; the lifecycle transitions are
// guarded and every transition appends an immutable history entry with the
// operator identity. Callers must serialize transitions per card (the
// issuer holds a per-card lock).
package card

import (
	"fmt"
	"time"

	"github.com/parsabank/cardengine/cardnum"
	"github.com/parsabank/cardengine/hsm"
)

// Status is a card lifecycle state.
type Status string

const (
	StatusIssued   Status = "Issued"
	StatusActive   Status = "Active"
	StatusBlocked  Status = "Blocked"
	StatusReplaced Status = "Replaced"
	StatusExpired  Status = "Expired"
)

// Terminal reports whether no further transitions leave this state.
func (s Status) Terminal() bool {
	return s == StatusReplaced || s == StatusExpired
}

// Card types.
const (
	TypeDebit    = "DEBIT"
	TypeCredit   = "CREDIT"
	TypePrepaid  = "PREPAID"
	TypeBusiness = "BUSINESS"
)

// DefaultLockout is how long a card stays PIN-locked after exhausting its
// attempts.
const DefaultLockout = 24 * time.Hour

// StateConflictError reports an illegal lifecycle transition.
type StateConflictError struct {
	CardNumber string // masked
	Action     string
	State      Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("card %s: cannot %s while %s", e.CardNumber, e.Action, e.State)
}

// HistoryEntry is one immutable line of a card's operation history.
type HistoryEntry struct {
	Action     string `json:"action"`
	OperatorID string `json:"operatorId"`
	Detail     string `json:"detail,omitempty"`
	At         string `json:"at"`
}

// Limits are the card's spending ceilings in rials.
type Limits struct {
	DailyWithdrawal int64 `json:"dailyWithdrawal"`
	DailyPurchase   int64 `json:"dailyPurchase"`
	MonthlyTotal    int64 `json:"monthlyTotal"`
}

// TrackData carries the magnetic stripe contents. Masked on any
// outward-facing serialization.
type TrackData struct {
	Track1 string `json:"track1"`
	Track2 string `json:"track2"`
}

// Record is the full card record. It is sealed at rest; only the Masked
// view ever leaves the engine.
type Record struct {
	CardNumber string `json:"cardNumber"`
	CustomerID string `json:"customerId"`
	HolderName string `json:"holderName"`
	CardType   string `json:"cardType"`
	BIN        string `json:"bin"`

	NationalID    string `json:"nationalId,omitempty"`
	Phone         string `json:"phone,omitempty"`
	AccountNumber string `json:"accountNumber,omitempty"`
	BankCode      string `json:"bankCode,omitempty"`

	Status Status `json:"status"`

	Keys     *hsm.CardKeys `json:"keys,omitempty"`
	PinRef   string        `json:"pinRef,omitempty"`
	PinBlock string        `json:"pinBlock,omitempty"`
	ZPKLabel string        `json:"zpkLabel,omitempty"`
	CvvRef   string        `json:"cvvRef,omitempty"`
	ChipRef  string        `json:"chipRef,omitempty"`

	Signature    string `json:"signature,omitempty"`
	SignatureKey string `json:"signatureKey,omitempty"`

	// External reference IDs returned by the card registry and the switch
	// at issuance time.
	RegistryRef string `json:"registryRef,omitempty"`
	SwitchRef   string `json:"switchRef,omitempty"`

	Track  *TrackData `json:"track,omitempty"`
	Limits Limits     `json:"limits"`

	PinAttempts     int        `json:"pinAttempts"`
	MaxPinAttempts  int        `json:"maxPinAttempts"`
	PinLockoutUntil *time.Time `json:"pinLockoutUntil,omitempty"`

	IssuedAt   time.Time `json:"issuedAt"`
	ExpiryDate time.Time `json:"expiryDate"`

	// Replacement linkage: a replaced card points at its replacement and
	// vice versa.
	ReplacedCard    string `json:"replacedCard,omitempty"`    // masked PAN of the card this one replaces
	ReplacementCard string `json:"replacementCard,omitempty"` // masked PAN of the card replacing this one

	History []HistoryEntry `json:"history"`

	// Version is the CAS version of the stored envelope.
	Version uint64 `json:"-"`
}

// Masked returns the PAN with all but the BIN and last four digits hidden.
func (r *Record) Masked() string {
	return cardnum.Mask(r.CardNumber)
}

func (r *Record) appendHistory(action, operatorID, detail string) {
	r.History = append(r.History, HistoryEntry{
		Action:     action,
		OperatorID: operatorID,
		Detail:     detail,
		At:         time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Record) conflict(action string) error {
	return &StateConflictError{CardNumber: r.Masked(), Action: action, State: r.Status}
}

// Activate moves Issued -> Active.
func (r *Record) Activate(operatorID string) error {
	if r.Status != StatusIssued {
		return r.conflict("activate")
	}
	r.Status = StatusActive
	r.appendHistory("ACTIVATE", operatorID, "")
	return nil
}

// Block moves Issued|Active -> Blocked.
func (r *Record) Block(operatorID, reason string) error {
	switch r.Status {
	case StatusIssued, StatusActive:
	default:
		return r.conflict("block")
	}
	r.Status = StatusBlocked
	r.appendHistory("BLOCK", operatorID, reason)
	return nil
}

// Unblock moves Blocked -> Active and resets the PIN attempt counter and
// lockout.
func (r *Record) Unblock(operatorID string) error {
	if r.Status != StatusBlocked {
		return r.conflict("unblock")
	}
	r.Status = StatusActive
	r.PinAttempts = 0
	r.PinLockoutUntil = nil
	r.appendHistory("UNBLOCK", operatorID, "")
	return nil
}

// MarkReplaced moves Active|Blocked -> Replaced and links the replacement.
func (r *Record) MarkReplaced(operatorID, replacementMasked string) error {
	switch r.Status {
	case StatusActive, StatusBlocked:
	default:
		return r.conflict("replace")
	}
	r.Status = StatusReplaced
	r.ReplacementCard = replacementMasked
	r.appendHistory("REPLACE", operatorID, "replaced by "+replacementMasked)
	return nil
}

// MarkExpired moves Issued|Active -> Expired. Time-driven; operatorID is
// the sweep identity.
func (r *Record) MarkExpired(operatorID string) error {
	switch r.Status {
	case StatusIssued, StatusActive:
	default:
		return r.conflict("expire")
	}
	r.Status = StatusExpired
	r.appendHistory("EXPIRE", operatorID, "")
	return nil
}

// PinLocked reports whether the card is inside a PIN lockout window.
func (r *Record) PinLocked(now time.Time) bool {
	return r.PinLockoutUntil != nil && now.Before(*r.PinLockoutUntil)
}

// RegisterPinFailure counts one failed PIN verification. On the Nth
// consecutive failure the card is blocked with a lockout window. Returns
// true when the failure caused a block.
func (r *Record) RegisterPinFailure(operatorID string, lockout time.Duration) bool {
	r.PinAttempts++
	r.appendHistory("PIN_FAIL", operatorID, fmt.Sprintf("attempt %d of %d", r.PinAttempts, r.MaxPinAttempts))
	if r.PinAttempts < r.MaxPinAttempts {
		return false
	}
	if r.Status == StatusIssued || r.Status == StatusActive {
		until := time.Now().UTC().Add(lockout)
		r.Status = StatusBlocked
		r.PinLockoutUntil = &until
		r.appendHistory("BLOCK", operatorID, "PIN attempts exhausted")
	}
	return true
}

// RegisterPinSuccess resets the consecutive failure counter.
func (r *Record) RegisterPinSuccess() {
	r.PinAttempts = 0
}

// MaskedRecord is the outward-facing view of a card record: no full PAN,
// no track data, no key references beyond opaque presence flags.
type MaskedRecord struct {
	CardNumber      string         `json:"cardNumber"`
	CustomerID      string         `json:"customerId"`
	HolderName      string         `json:"holderName"`
	CardType        string         `json:"cardType"`
	AccountNumber   string         `json:"accountNumber,omitempty"`
	Status          Status         `json:"status"`
	Limits          Limits         `json:"limits"`
	PinAttempts     int            `json:"pinAttempts"`
	PinLockoutUntil *time.Time     `json:"pinLockoutUntil,omitempty"`
	IssuedAt        string         `json:"issuedAt"`
	ExpiryDate      string         `json:"expiryDate"`
	ReplacedCard    string         `json:"replacedCard,omitempty"`
	ReplacementCard string         `json:"replacementCard,omitempty"`
	History         []HistoryEntry `json:"history"`
	HasChip         bool           `json:"hasChip"`
	HasPin          bool           `json:"hasPin"`
}

// MaskedView builds the outward-facing projection.
func (r *Record) MaskedView() MaskedRecord {
	return MaskedRecord{
		CardNumber:      r.Masked(),
		CustomerID:      r.CustomerID,
		HolderName:      r.HolderName,
		CardType:        r.CardType,
		AccountNumber:   r.AccountNumber,
		Status:          r.Status,
		Limits:          r.Limits,
		PinAttempts:     r.PinAttempts,
		PinLockoutUntil: r.PinLockoutUntil,
		IssuedAt:        r.IssuedAt.Format(time.RFC3339),
		ExpiryDate:      r.ExpiryDate.Format("2006-01"),
		ReplacedCard:    r.ReplacedCard,
		ReplacementCard: r.ReplacementCard,
		History:         r.History,
		HasChip:         r.ChipRef != "",
		HasPin:          r.PinRef != "",
	}
}
