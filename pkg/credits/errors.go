package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderCompleted       = errors.New("order already completed")
	ErrOrderFailed          = errors.New("order failed")
	ErrOrderExists          = errors.New("order already exists")
	ErrRenewalCurrent       = errors.New("renewal already granted this month")
	ErrUnknownLedger        = errors.New("unknown ledger")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidOrderID       = errors.New("invalid order id")
	ErrInvalidPaymentID     = errors.New("invalid payment id")
	ErrInvalidCreditAmount  = errors.New("invalid credit amount")
	ErrInvalidFiatAmount    = errors.New("invalid fiat amount")
	ErrInvalidMonthEpoch    = errors.New("invalid month epoch")
	ErrInvalidOrderStatus   = errors.New("invalid order status")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidNotification  = errors.New("invalid notification payload")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrInvalidBalance       = errors.New("invalid balance")
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
