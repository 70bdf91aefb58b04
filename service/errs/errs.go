// Package errs carries the machine-readable error codes services hand to
// controllers for HTTP mapping.
package errs

import "errors"

type ErrCode string

const (
	InvalidRange          ErrCode = "INVALID_RANGE"
	SlotUnavailable       ErrCode = "SLOT_UNAVAILABLE"
	BookingNotFound       ErrCode = "BOOKING_NOT_FOUND"
	NotAuthorized         ErrCode = "NOT_AUTHORIZED"
	InvalidState          ErrCode = "INVALID_STATE"
	HostNotPayable        ErrCode = "HOST_NOT_PAYABLE"
	RateLimited           ErrCode = "RATE_LIMITED"
	PricingUnavailable    ErrCode = "PRICING_UNAVAILABLE"
	InvalidFeeConfig      ErrCode = "INVALID_FEE_CONFIG"
	GatewayUnavailable    ErrCode = "GATEWAY_UNAVAILABLE"
	AlreadyTerminal       ErrCode = "ALREADY_TERMINAL"
	CreditNoteNotRequired ErrCode = "CREDIT_NOTE_NOT_REQUIRED"
)

type codedError struct{ code ErrCode }

func (e codedError) Error() string { return string(e.code) }
func (e codedError) Code() ErrCode { return e.code }

func New(c ErrCode) error { return codedError{code: c} }

// Code extracts the error code, "" when the error carries none.
func Code(err error) ErrCode {
	var ce interface{ Code() ErrCode }
	if errors.As(err, &ce) {
		return ce.Code()
	}
	return ""
}

func Is(err error, c ErrCode) bool { return Code(err) == c }
