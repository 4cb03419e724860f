package issuer

import "context"

// IdentityResult is the civil-registry answer for a national ID lookup.
type IdentityResult struct {
	Verified bool   `json:"verified"`
	FullName string `json:"fullName,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// IdentityVerifier checks a customer's identity against the civil registry.
// phone may be empty when the channel does not collect it.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, nationalID, phone string) (*IdentityResult, error)
}

// AccountResult is the core-banking answer for an account ownership check.
type AccountResult struct {
	Verified bool   `json:"verified"`
	Balance  int64  `json:"balance"`
	Currency string `json:"currency,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// AccountVerifier confirms that an account exists, belongs to the holder of
// the given national ID, and is in a state that allows card issuance.
type AccountVerifier interface {
	VerifyAccount(ctx context.Context, accountNumber, nationalID string) (*AccountResult, error)
}

// CardRegistration is what the national card registry records for a new card.
// Only the masked PAN leaves the engine in logs; the registry itself receives
// the full PAN over its mutually-authenticated channel.
type CardRegistration struct {
	CardNumber    string
	CustomerID    string
	AccountNumber string
	BankCode      string
	CardType      string
	ExpiryDate    string // YYMM
}

// RegistryResult is the registry or switch acknowledgement.
type RegistryResult struct {
	Success     bool   `json:"success"`
	ReferenceID string `json:"referenceId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// RegistryClient registers cards with the national registry and activates
// them on the payment switch. Both calls commit external state: once they
// succeed there is no undo, only manual reconciliation.
type RegistryClient interface {
	RegisterCard(ctx context.Context, reg CardRegistration) (*RegistryResult, error)
	ActivateCard(ctx context.Context, cardNumber string) (*RegistryResult, error)
}

// Event is a customer-facing notification hook point.
type Event struct {
	Type             string `json:"type"`
	MaskedCardNumber string `json:"maskedCardNumber,omitempty"`
	CustomerID       string `json:"customerId,omitempty"`
	Detail           string `json:"detail,omitempty"`
}

// Notifier delivers issuance and lifecycle events to the customer channel
// (SMS, push). Delivery failures are logged, never fatal.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Notification event types.
const (
	EventCardIssued   = "CARD_ISSUED"
	EventCardBlocked  = "CARD_BLOCKED"
	EventCardUnlocked = "CARD_UNBLOCKED"
	EventCardReplaced = "CARD_REPLACED"
	EventPinChanged   = "PIN_CHANGED"
)
