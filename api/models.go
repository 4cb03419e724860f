package api

import (
	"github.com/parsabank/cardengine/card"
	"github.com/parsabank/cardengine/issuer"
)

// Card numbers travel in POST bodies, never in URLs, so full PANs stay out
// of access logs and proxies.

// IssueCardRequest is the JSON body for POST /cards and variants.
type IssueCardRequest struct {
	Customer issuer.Customer `json:"customer"`
	Account  issuer.Account  `json:"account"`
	CardType string          `json:"cardType"`
	Limits   *card.Limits    `json:"limits,omitempty"`
	Operator issuer.Operator `json:"operator"`
}

func toIssueRequest(req IssueCardRequest) issuer.IssueRequest {
	return issuer.IssueRequest{
		Customer: req.Customer,
		Account:  req.Account,
		CardType: req.CardType,
		Limits:   req.Limits,
	}
}

// ReplacementRequest is the JSON body for POST /cards/replacement.
type ReplacementRequest struct {
	CardNumber string          `json:"cardNumber"`
	Reason     string          `json:"reason"`
	Operator   issuer.Operator `json:"operator"`
}

// CardActionRequest is the JSON body for card actions keyed by PAN.
type CardActionRequest struct {
	CardNumber string          `json:"cardNumber"`
	Reason     string          `json:"reason,omitempty"`
	Operator   issuer.Operator `json:"operator"`
}

// VerifyPinRequest is the JSON body for POST /cards/pin/verify.
type VerifyPinRequest struct {
	CardNumber string          `json:"cardNumber"`
	PinBlock   string          `json:"pinBlock"`
	Operator   issuer.Operator `json:"operator"`
}

// VerifyPinResponse is returned from POST /cards/pin/verify.
type VerifyPinResponse struct {
	Verified          bool `json:"verified"`
	AttemptsRemaining int  `json:"attemptsRemaining"`
	Locked            bool `json:"locked"`
}

// UpdateLimitsRequest is the JSON body for POST /cards/limits.
type UpdateLimitsRequest struct {
	CardNumber string          `json:"cardNumber"`
	Limits     card.Limits     `json:"limits"`
	Operator   issuer.Operator `json:"operator"`
}

// RotateKeysRequest is the JSON body for POST /keys/rotate.
type RotateKeysRequest struct {
	Operator issuer.Operator `json:"operator"`
}

// CardListResponse is returned from GET /cards.
type CardListResponse struct {
	Cards      []card.MaskedRecord `json:"cards"`
	Pagination PaginationMeta      `json:"pagination"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
