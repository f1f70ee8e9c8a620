package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents an error raised while gating a request.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	ErrCodeInvalidConfig         = "INVALID_CONFIG"
	ErrCodeInvalidPrice          = "INVALID_PRICE"
	ErrCodeNetworkNotSupported   = "NETWORK_NOT_SUPPORTED"
	ErrCodeMissingFeePayer       = "MISSING_FEE_PAYER"
	ErrCodeInvalidPayment        = "INVALID_PAYMENT"
	ErrCodeNoMatchingRequirement = "NO_MATCHING_REQUIREMENT"
	ErrCodeVerificationFailed    = "VERIFICATION_FAILED"
	ErrCodeSettlementFailed      = "SETTLEMENT_FAILED"
)

// ErrNoMatchingRequirement rejects a payment made against none of the
// offered requirements.
var ErrNoMatchingRequirement = NewPaymentError(ErrCodeNoMatchingRequirement, "Unable to find matching payment requirements", nil)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsPaymentError checks if err is, or wraps, a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// GetPaymentErrorCode extracts the error code from a PaymentError.
func GetPaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsConfigurationError reports whether err describes a server-side
// misconfiguration rather than a problem with the caller's payment.
func IsConfigurationError(err error) bool {
	switch GetPaymentErrorCode(err) {
	case ErrCodeInvalidConfig, ErrCodeInvalidPrice, ErrCodeNetworkNotSupported, ErrCodeMissingFeePayer:
		return true
	}
	return false
}
