package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/sketchcredits/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectLedger    = "ledger"
	errorSubjectOrder     = "order"
	errorSubjectTx        = "transaction"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeDebit        = "debit"
	errorCodeCredit       = "credit"
	errorCodeComplete     = "complete"
	errorCodeFail         = "fail"
	errorCodeRenew        = "advance_epoch"
	errorCodeInvalid      = "invalid"

	sqlInsertLedger = `
		insert into credit_ledgers(user_id, balance, last_renewal_epoch)
		values($1, $2, $3)
		on conflict (user_id) do nothing
	`

	sqlSelectLedger = `
		select user_id, balance, last_renewal_epoch
		from credit_ledgers
		where user_id = $1
	`

	sqlDebitBalance = `
		update credit_ledgers
		set balance = balance - $2, updated_at = now()
		where user_id = $1 and balance >= $2
		returning balance
	`

	sqlCreditBalance = `
		update credit_ledgers
		set balance = balance + $2, updated_at = now()
		where user_id = $1
		returning balance
	`

	sqlListLedgers = `
		select user_id, balance, last_renewal_epoch
		from credit_ledgers
		where user_id > $1
		order by user_id
		limit $2
	`

	sqlInsertOrder = `
		insert into purchase_orders(
			order_id, user_id, receipt, fiat_amount_cents, credit_amount, status, payment_reference, metadata
		)
		values($1, $2, $3, $4, $5, $6, $7, coalesce(nullif($8,''),'{}')::jsonb)
	`

	sqlSelectOrder = `
		select order_id, user_id, receipt::text, fiat_amount_cents, credit_amount, status, payment_reference, coalesce(metadata::text,'{}')
		from purchase_orders
		where order_id = $1
	`

	sqlCompleteOrder = `
		update purchase_orders
		set status = 'completed', payment_reference = $2, updated_at = now()
		where order_id = $1 and status = 'pending'
	`

	sqlFailOrder = `
		update purchase_orders
		set status = 'failed', updated_at = now()
		where order_id = $1 and status = 'pending'
	`

	sqlAdvanceRenewalEpoch = `
		update credit_ledgers
		set last_renewal_epoch = $2, updated_at = now()
		where user_id = $1 and last_renewal_epoch < $2
	`
)

// querier is the subset of pgx shared by pool and transaction handles.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateLedger(ctx context.Context, userID credits.UserID, startingBalance credits.CreditAmount, currentEpoch credits.MonthEpoch) (credits.Ledger, error) {
	return getOrCreateLedger(ctx, store.pool, userID, startingBalance, currentEpoch)
}

func (store *Store) DebitBalance(ctx context.Context, userID credits.UserID, amount credits.CreditAmount) (int64, error) {
	return debitBalance(ctx, store.pool, userID, amount)
}

func (store *Store) CreditBalance(ctx context.Context, userID credits.UserID, amount credits.CreditAmount) (int64, error) {
	return creditBalance(ctx, store.pool, userID, amount)
}

func (store *Store) ListLedgers(ctx context.Context, afterUserID string, limit int) ([]credits.Ledger, error) {
	return listLedgers(ctx, store.pool, afterUserID, limit)
}

func (store *Store) CreateOrder(ctx context.Context, order credits.Order) error {
	return createOrder(ctx, store.pool, order)
}

func (store *Store) GetOrder(ctx context.Context, orderID credits.OrderID) (credits.Order, error) {
	return getOrder(ctx, store.pool, orderID)
}

func (store *Store) CompleteOrder(ctx context.Context, orderID credits.OrderID, paymentReference credits.PaymentID) error {
	return completeOrder(ctx, store.pool, orderID, paymentReference)
}

func (store *Store) FailOrder(ctx context.Context, orderID credits.OrderID) error {
	return failOrder(ctx, store.pool, orderID)
}

func (store *Store) AdvanceRenewalEpoch(ctx context.Context, userID credits.UserID, currentEpoch credits.MonthEpoch) error {
	return advanceRenewalEpoch(ctx, store.pool, userID, currentEpoch)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetOrCreateLedger(ctx context.Context, userID credits.UserID, startingBalance credits.CreditAmount, currentEpoch credits.MonthEpoch) (credits.Ledger, error) {
	return getOrCreateLedger(ctx, store.tx, userID, startingBalance, currentEpoch)
}

func (store *TxStore) DebitBalance(ctx context.Context, userID credits.UserID, amount credits.CreditAmount) (int64, error) {
	return debitBalance(ctx, store.tx, userID, amount)
}

func (store *TxStore) CreditBalance(ctx context.Context, userID credits.UserID, amount credits.CreditAmount) (int64, error) {
	return creditBalance(ctx, store.tx, userID, amount)
}

func (store *TxStore) ListLedgers(ctx context.Context, afterUserID string, limit int) ([]credits.Ledger, error) {
	return listLedgers(ctx, store.tx, afterUserID, limit)
}

func (store *TxStore) CreateOrder(ctx context.Context, order credits.Order) error {
	return createOrder(ctx, store.tx, order)
}

func (store *TxStore) GetOrder(ctx context.Context, orderID credits.OrderID) (credits.Order, error) {
	return getOrder(ctx, store.tx, orderID)
}

func (store *TxStore) CompleteOrder(ctx context.Context, orderID credits.OrderID, paymentReference credits.PaymentID) error {
	return completeOrder(ctx, store.tx, orderID, paymentReference)
}

func (store *TxStore) FailOrder(ctx context.Context, orderID credits.OrderID) error {
	return failOrder(ctx, store.tx, orderID)
}

func (store *TxStore) AdvanceRenewalEpoch(ctx context.Context, userID credits.UserID, currentEpoch credits.MonthEpoch) error {
	return advanceRenewalEpoch(ctx, store.tx, userID, currentEpoch)
}

func getOrCreateLedger(ctx context.Context, q querier, userID credits.UserID, startingBalance credits.CreditAmount, currentEpoch credits.MonthEpoch) (credits.Ledger, error) {
	if _, err := q.Exec(ctx, sqlInsertLedger, userID.String(), startingBalance.Int64(), currentEpoch.Int64()); err != nil {
		return credits.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeCreate, err)
	}
	return selectLedger(ctx, q, userID)
}

func selectLedger(ctx context.Context, q querier, userID credits.UserID) (credits.Ledger, error) {
	var (
		userValue    string
		balanceValue int64
		epochValue   int64
	)
	err := q.QueryRow(ctx, sqlSelectLedger, userID.String()).Scan(&userValue, &balanceValue, &epochValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeLookup, credits.ErrUnknownLedger)
	}
	if err != nil {
		return credits.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeLookup, err)
	}
	return mapLedger(userValue, balanceValue, epochValue)
}

func debitBalance(ctx context.Context, q querier, userID credits.UserID, amount credits.CreditAmount) (int64, error) {
	var newBalance int64
	err := q.QueryRow(ctx, sqlDebitBalance, userID.String(), amount.Int64()).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, lookupErr := selectLedger(ctx, q, userID); lookupErr != nil {
			return 0, lookupErr
		}
		return 0, wrapStoreError(errorSubjectLedger, errorCodeDebit, credits.ErrInsufficientFunds)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeDebit, err)
	}
	return newBalance, nil
}

func creditBalance(ctx context.Context, q querier, userID credits.UserID, amount credits.CreditAmount) (int64, error) {
	var newBalance int64
	err := q.QueryRow(ctx, sqlCreditBalance, userID.String(), amount.Int64()).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeCredit, credits.ErrUnknownLedger)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeCredit, err)
	}
	return newBalance, nil
}

func listLedgers(ctx context.Context, q querier, afterUserID string, limit int) ([]credits.Ledger, error) {
	rows, err := q.Query(ctx, sqlListLedgers, afterUserID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	defer rows.Close()
	ledgers := make([]credits.Ledger, 0, limit)
	for rows.Next() {
		var (
			userValue    string
			balanceValue int64
			epochValue   int64
		)
		if err := rows.Scan(&userValue, &balanceValue, &epochValue); err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
		}
		ledgerRecord, err := mapLedger(userValue, balanceValue, epochValue)
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, ledgerRecord)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	return ledgers, nil
}

func createOrder(ctx context.Context, q querier, order credits.Order) error {
	_, err := q.Exec(ctx, sqlInsertOrder,
		order.OrderID.String(),
		order.UserID.String(),
		order.Receipt,
		order.FiatAmountCents,
		order.CreditAmount.Int64(),
		order.Status.String(),
		order.PaymentReference,
		order.MetadataJSON,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectOrder, errorCodeDuplicate, credits.ErrOrderExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeCreate, err)
	}
	return nil
}

func getOrder(ctx context.Context, q querier, orderID credits.OrderID) (credits.Order, error) {
	var (
		orderValue    string
		userValue     string
		receiptValue  string
		fiatValue     int64
		creditValue   int64
		statusValue   string
		paymentValue  string
		metadataValue string
	)
	err := q.QueryRow(ctx, sqlSelectOrder, orderID.String()).Scan(
		&orderValue,
		&userValue,
		&receiptValue,
		&fiatValue,
		&creditValue,
		&statusValue,
		&paymentValue,
		&metadataValue,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, credits.ErrOrderNotFound)
	}
	if err != nil {
		return credits.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	return mapOrder(orderValue, userValue, receiptValue, fiatValue, creditValue, statusValue, paymentValue, metadataValue)
}

func completeOrder(ctx context.Context, q querier, orderID credits.OrderID, paymentReference credits.PaymentID) error {
	tag, err := q.Exec(ctx, sqlCompleteOrder, orderID.String(), paymentReference.String())
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeComplete, err)
	}
	if tag.RowsAffected() == 0 {
		return classifyMissedTransition(ctx, q, orderID, errorCodeComplete)
	}
	return nil
}

func failOrder(ctx context.Context, q querier, orderID credits.OrderID) error {
	tag, err := q.Exec(ctx, sqlFailOrder, orderID.String())
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeFail, err)
	}
	if tag.RowsAffected() == 0 {
		return classifyMissedTransition(ctx, q, orderID, errorCodeFail)
	}
	return nil
}

func advanceRenewalEpoch(ctx context.Context, q querier, userID credits.UserID, currentEpoch credits.MonthEpoch) error {
	tag, err := q.Exec(ctx, sqlAdvanceRenewalEpoch, userID.String(), currentEpoch.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeRenew, err)
	}
	if tag.RowsAffected() == 0 {
		if _, lookupErr := selectLedger(ctx, q, userID); lookupErr != nil {
			return lookupErr
		}
		return wrapStoreError(errorSubjectLedger, errorCodeRenew, credits.ErrRenewalCurrent)
	}
	return nil
}

func classifyMissedTransition(ctx context.Context, q querier, orderID credits.OrderID, code string) error {
	order, err := getOrder(ctx, q, orderID)
	if err != nil {
		return err
	}
	switch order.Status {
	case credits.OrderStatusCompleted:
		return wrapStoreError(errorSubjectOrder, code, credits.ErrOrderCompleted)
	case credits.OrderStatusFailed:
		return wrapStoreError(errorSubjectOrder, code, credits.ErrOrderFailed)
	}
	return wrapStoreError(errorSubjectOrder, code, credits.ErrInvalidOrderStatus)
}

func mapLedger(userValue string, balanceValue int64, epochValue int64) (credits.Ledger, error) {
	userID, err := credits.NewUserID(userValue)
	if err != nil {
		return credits.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
	}
	epoch, err := credits.NewMonthEpoch(epochValue)
	if err != nil {
		return credits.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
	}
	if balanceValue < 0 {
		return credits.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeInvalid, credits.ErrInvalidBalance)
	}
	return credits.Ledger{
		UserID:           userID,
		Balance:          balanceValue,
		LastRenewalEpoch: epoch,
	}, nil
}

func mapOrder(orderValue, userValue, receiptValue string, fiatValue, creditValue int64, statusValue, paymentValue, metadataValue string) (credits.Order, error) {
	orderID, err := credits.NewOrderID(orderValue)
	if err != nil {
		return credits.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	userID, err := credits.NewUserID(userValue)
	if err != nil {
		return credits.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	creditAmount, err := credits.NewCreditAmount(creditValue)
	if err != nil {
		return credits.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	status, err := credits.ParseOrderStatus(statusValue)
	if err != nil {
		return credits.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	return credits.Order{
		OrderID:          orderID,
		UserID:           userID,
		Receipt:          receiptValue,
		FiatAmountCents:  fiatValue,
		CreditAmount:     creditAmount,
		Status:           status,
		PaymentReference: paymentValue,
		MetadataJSON:     metadataValue,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
