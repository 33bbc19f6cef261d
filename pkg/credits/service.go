package credits

import (
	"context"
	"fmt"
	"time"
)

// Service contains the credit domain logic over a Store and a payment
// Gateway. Balance mutations go exclusively through Debit, Credit, and the
// reconciliation/renewal flows built on them.
type Service struct {
	store         Store
	gateway       Gateway
	secrets       Secrets
	nowFn         func() time.Time
	logger        OperationLogger
	startingGrant CreditAmount
	monthlyGrant  CreditAmount
}

// NewService wires a Service.
func NewService(store Store, gateway Gateway, secrets Secrets, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := secrets.validate(); err != nil {
		return nil, err
	}
	service := &Service{
		store:         store,
		gateway:       gateway,
		secrets:       secrets,
		nowFn:         now,
		startingGrant: defaultStartingGrant,
		monthlyGrant:  defaultMonthlyGrant,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the user's ledger, creating it with the starting grant on
// first contact.
func (service *Service) Balance(ctx context.Context, userID UserID) (Ledger, error) {
	return service.store.GetOrCreateLedger(ctx, userID, service.startingGrant, service.currentEpoch())
}

// Debit atomically decrements the balance if it covers amount. Privileged
// actors are exempt: the call reports success with the current balance and
// mutates nothing. Two concurrent debits against a balance of one credit
// cannot both succeed; the losing caller gets ErrInsufficientFunds.
func (service *Service) Debit(ctx context.Context, actor Actor, amount CreditAmount) (int64, error) {
	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		ledgerRecord, err := transactionStore.GetOrCreateLedger(ctx, actor.UserID, service.startingGrant, service.currentEpoch())
		if err != nil {
			return err
		}
		if actor.Privileged {
			newBalance = ledgerRecord.Balance
			return nil
		}
		newBalance, err = transactionStore.DebitBalance(ctx, actor.UserID, amount)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		UserID:    actor.UserID,
		Amount:    -amount.Int64(),
		Error:     operationError,
	})
	return newBalance, operationError
}

// Credit atomically increments the balance. Unconditional; used for
// purchases and for compensation after a failed downstream operation.
func (service *Service) Credit(ctx context.Context, userID UserID, amount CreditAmount) (int64, error) {
	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateLedger(ctx, userID, service.startingGrant, service.currentEpoch()); err != nil {
			return err
		}
		var err error
		newBalance, err = transactionStore.CreditBalance(ctx, userID, amount)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		UserID:    userID,
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	return newBalance, operationError
}

// Adjust applies a signed administrative correction. Positive amounts route
// through Credit, negative through Debit with no privilege bypass.
func (service *Service) Adjust(ctx context.Context, userID UserID, signedAmount int64) (int64, error) {
	if signedAmount == 0 {
		return 0, fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidCreditAmount)
	}
	magnitude := signedAmount
	if magnitude < 0 {
		magnitude = -magnitude
	}
	amount, err := NewCreditAmount(magnitude)
	if err != nil {
		return 0, err
	}
	var newBalance int64
	if signedAmount > 0 {
		newBalance, err = service.Credit(ctx, userID, amount)
	} else {
		newBalance, err = service.Debit(ctx, Actor{UserID: userID}, amount)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    userID,
		Amount:    signedAmount,
		Error:     err,
	})
	return newBalance, err
}

func (service *Service) currentEpoch() MonthEpoch {
	return EpochForTime(service.nowFn())
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
