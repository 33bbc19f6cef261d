package credits

import (
	"context"
	"errors"
)

// RenewOne grants the fixed monthly amount if the account's last renewal
// epoch is strictly before the current calendar month. The epoch advance is
// a single conditional write, so concurrent or repeated invocations within
// one month grant at most once; the no-op case surfaces as ErrRenewalCurrent.
func (service *Service) RenewOne(ctx context.Context, userID UserID) (int64, error) {
	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		currentEpoch := service.currentEpoch()
		ledgerRecord, err := transactionStore.GetOrCreateLedger(ctx, userID, service.startingGrant, currentEpoch)
		if err != nil {
			return err
		}
		if err := transactionStore.AdvanceRenewalEpoch(ctx, userID, currentEpoch); err != nil {
			newBalance = ledgerRecord.Balance
			return err
		}
		newBalance, err = transactionStore.CreditBalance(ctx, userID, service.monthlyGrant)
		return err
	})
	logEntry := OperationLog{
		Operation: operationRenew,
		UserID:    userID,
		Amount:    service.monthlyGrant.Int64(),
		Error:     operationError,
	}
	if errors.Is(operationError, ErrRenewalCurrent) {
		logEntry.Status = operationStatusSkipped
		logEntry.Error = nil
	}
	service.logOperation(ctx, logEntry)
	return newBalance, operationError
}

// RenewAll walks every known ledger and applies RenewOne. Individual
// failures are counted and do not abort the batch; the already-current case
// counts as a skip, not a failure.
func (service *Service) RenewAll(ctx context.Context) (RenewalSummary, error) {
	var summary RenewalSummary
	afterUserID := ""
	for {
		ledgers, err := service.store.ListLedgers(ctx, afterUserID, renewalPageSize)
		if err != nil {
			return summary, err
		}
		if len(ledgers) == 0 {
			return summary, nil
		}
		for _, ledgerRecord := range ledgers {
			_, err := service.RenewOne(ctx, ledgerRecord.UserID)
			switch {
			case errors.Is(err, ErrRenewalCurrent):
				summary.Skipped++
			case err != nil:
				summary.Failed++
			default:
				summary.Renewed++
			}
		}
		afterUserID = ledgers[len(ledgers)-1].UserID.String()
	}
}
