package issuer

import "fmt"

// ValidationError reports malformed or missing request input. The request
// was rejected before any external effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("issuer: invalid %s: %s", e.Field, e.Reason)
}

// StepError reports which issuance step failed. The saga guarantees no
// partial card record exists when one is returned; any committed external
// effect has a matching reconciliation entry.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("issuer: step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RejectionError reports an external counterparty declining a request
// (identity not verified, account check failed, registry refusal).
type RejectionError struct {
	Service string
	Reason  string
}

func (e *RejectionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("issuer: rejected by %s", e.Service)
	}
	return fmt.Sprintf("issuer: rejected by %s: %s", e.Service, e.Reason)
}
