package ledger

import (
	"errors"
	"fmt"
)

// Error categories surfaced to callers. Every domain error below wraps exactly one of them.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
)

// Domain-level error values returned by the ledger service.
var (
	ErrInvalidUserID         = fmt.Errorf("%w: invalid user id", ErrInvalidArgument)
	ErrInvalidIdempotencyKey = fmt.Errorf("%w: invalid idempotency key", ErrInvalidArgument)
	ErrInvalidCorrelationID  = fmt.Errorf("%w: invalid correlation id", ErrInvalidArgument)
	ErrInvalidSource         = fmt.Errorf("%w: invalid source", ErrInvalidArgument)
	ErrInvalidAmountCents    = fmt.Errorf("%w: invalid amount cents", ErrInvalidArgument)
	ErrInvalidEntryType      = fmt.Errorf("%w: invalid entry type", ErrInvalidArgument)
	ErrInvalidEntryStatus    = fmt.Errorf("%w: invalid entry status", ErrInvalidArgument)
	ErrInvalidMetadataJSON   = fmt.Errorf("%w: invalid metadata json", ErrInvalidArgument)
	ErrInvalidListLimit      = fmt.Errorf("%w: invalid list limit", ErrInvalidArgument)
	ErrActualExceedsReserved = fmt.Errorf("%w: actual amount exceeds reserved amount", ErrInvalidArgument)
	ErrIdempotencyKeyReused  = fmt.Errorf("%w: idempotency key used by a different operation", ErrInvalidArgument)

	ErrUnknownReservation = fmt.Errorf("%w: unknown reservation", ErrNotFound)

	ErrReservationFinalized = fmt.Errorf("%w: reservation already finalized", ErrInvalidState)
	ErrReservationRefunded  = fmt.Errorf("%w: reservation already refunded", ErrInvalidState)
	ErrReservationClosed    = fmt.Errorf("%w: reservation status changed concurrently", ErrInvalidState)

	// ErrDuplicateIdempotencyKey is the store-level conflict signal; Service resolves it by re-reading.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
