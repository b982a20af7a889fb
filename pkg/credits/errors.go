package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit engine.
var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrUserNotFound         = errors.New("user not found")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrDuplicateEntry       = errors.New("duplicate ledger entry")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidEntryType     = errors.New("invalid entry type")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrUnknownPrice         = errors.New("unknown price id")
)

// CodeForError maps an operation error to the closed error-code set.
// Unexpected failures (storage, transport) classify as INTERNAL_ERROR.
func CodeForError(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrorCodeNone
	case errors.Is(err, ErrInvalidAmount):
		return ErrorCodeInvalidAmount
	case errors.Is(err, ErrUserNotFound):
		return ErrorCodeUserNotFound
	case errors.Is(err, ErrInsufficientBalance):
		return ErrorCodeInsufficientBalance
	default:
		return ErrorCodeInternal
	}
}

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
