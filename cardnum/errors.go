package cardnum

import "fmt"

// ReasonCode classifies why a candidate PAN was rejected.
type ReasonCode string

const (
	ReasonEmpty         ReasonCode = "empty"
	ReasonNotNumeric    ReasonCode = "not_numeric"
	ReasonBadLength     ReasonCode = "bad_length"
	ReasonBadCheckDigit ReasonCode = "bad_check_digit"
)

// InvalidReason is a typed validation failure. It never carries the
// rejected PAN itself.
type InvalidReason struct {
	Code   ReasonCode
	Detail string
}

func (e *InvalidReason) Error() string {
	return fmt.Sprintf("invalid card number (%s): %s", e.Code, e.Detail)
}
