package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credit operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	OrderID   OrderID
	Amount    int64
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithStartingGrant overrides the credit amount granted when a ledger is
// created lazily.
func WithStartingGrant(amount CreditAmount) ServiceOption {
	return func(service *Service) {
		service.startingGrant = amount
	}
}

// WithMonthlyGrant overrides the free-credit amount granted per calendar month.
func WithMonthlyGrant(amount CreditAmount) ServiceOption {
	return func(service *Service) {
		service.monthlyGrant = amount
	}
}
