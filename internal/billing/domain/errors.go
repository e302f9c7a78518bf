package domain

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrCustomerNotFound        = errors.New("customer_not_found")
	ErrServiceInstanceNotFound = errors.New("service_instance_not_found")
	ErrBillingRecordNotFound   = errors.New("billing_record_not_found")
	ErrInvalidStatusTransition = errors.New("invalid_status_transition")
	ErrDraftAlreadyExists      = errors.New("draft_already_exists")
	ErrLockTimeout             = errors.New("customer_lock_timeout")
	ErrUnknownTier             = errors.New("unknown_tier")
	ErrUnknownProvider         = errors.New("unknown_provider")
)

// ValidationError is a permanent failure caused by the request or by data
// state. Idempotent operations cache it and replay it on retry.
type ValidationError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Code, e.Message)
}

// NewValidationError builds a ValidationError without details.
func NewValidationError(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

// SystemError is a transient infrastructure failure. It is never cached; the
// caller retries the whole operation.
type SystemError struct {
	Message string
	Cause   error
}

func (e *SystemError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("system error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("system error: %s", e.Message)
}

func (e *SystemError) Unwrap() error { return e.Cause }

// NewSystemError wraps a transient failure.
func NewSystemError(message string, cause error) *SystemError {
	return &SystemError{Message: message, Cause: cause}
}

// PaymentFailedError reports that every available payment source was tried
// and the invoice remains unpaid. RemainingCents is the uncovered amount.
type PaymentFailedError struct {
	InvoiceID      int64
	RemainingCents int64
	Attempts       []string
}

func (e *PaymentFailedError) Error() string {
	return fmt.Sprintf("payment failed: invoice %d has %d cents uncovered after %d attempts",
		e.InvoiceID, e.RemainingCents, len(e.Attempts))
}

// ValidateCustomerID rejects ids outside (0, MaxInt32]. Customer ids are
// assigned upstream as positive 32-bit integers; the advisory lock keyspace
// narrows them to int32, so anything wider would silently collide.
func ValidateCustomerID(id int64) error {
	if id <= 0 || id > math.MaxInt32 {
		return NewValidationError("INVALID_CUSTOMER_ID",
			fmt.Sprintf("customer id %d is out of range", id))
	}
	return nil
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsSystem reports whether err is (or wraps) a SystemError.
func IsSystem(err error) bool {
	var se *SystemError
	return errors.As(err, &se)
}

// IsPaymentFailed reports whether err is (or wraps) a PaymentFailedError.
func IsPaymentFailed(err error) bool {
	var pe *PaymentFailedError
	return errors.As(err, &pe)
}
