package gormstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/sketchcredits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectLedger    = "ledger"
	errorSubjectOrder     = "order"
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
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateLedger returns the user's ledger, seeding it with the starting
// balance exactly once. Concurrent first contacts race through the
// on-conflict clause, so the grant cannot be applied twice.
func (store *Store) GetOrCreateLedger(ctx context.Context, userID credits.UserID, startingBalance credits.CreditAmount, currentEpoch credits.MonthEpoch) (credits.Ledger, error) {
	seed := CreditLedger{
		UserID:           userID.String(),
		Balance:          startingBalance.Int64(),
		LastRenewalEpoch: currentEpoch.Int64(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&seed).Error
	if err != nil {
		return credits.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeCreate, err)
	}
	var model CreditLedger
	if err := store.db.WithContext(ctx).Take(&model, "user_id = ?", userID.String()).Error; err != nil {
		return credits.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeLookup, err)
	}
	return mapLedger(model)
}

// DebitBalance is the single atomic check-and-decrement: the balance
// precondition and the decrement execute as one conditional write.
func (store *Store) DebitBalance(ctx context.Context, userID credits.UserID, amount credits.CreditAmount) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditLedger{}).
		Where("user_id = ? AND balance >= ?", userID.String(), amount.Int64()).
		Update("balance", gorm.Expr("balance - ?", amount.Int64()))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		var model CreditLedger
		err := store.db.WithContext(ctx).Take(&model, "user_id = ?", userID.String()).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectLedger, errorCodeDebit, credits.ErrUnknownLedger)
		}
		if err != nil {
			return 0, wrapStoreError(errorSubjectLedger, errorCodeDebit, err)
		}
		return 0, wrapStoreError(errorSubjectLedger, errorCodeDebit, credits.ErrInsufficientFunds)
	}
	return store.currentBalance(ctx, userID, errorCodeDebit)
}

// CreditBalance atomically increments the balance.
func (store *Store) CreditBalance(ctx context.Context, userID credits.UserID, amount credits.CreditAmount) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditLedger{}).
		Where("user_id = ?", userID.String()).
		Update("balance", gorm.Expr("balance + ?", amount.Int64()))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeCredit, credits.ErrUnknownLedger)
	}
	return store.currentBalance(ctx, userID, errorCodeCredit)
}

// ListLedgers pages through ledgers in user id order.
func (store *Store) ListLedgers(ctx context.Context, afterUserID string, limit int) ([]credits.Ledger, error) {
	var rows []CreditLedger
	err := store.db.WithContext(ctx).
		Where("user_id > ?", afterUserID).
		Order("user_id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	ledgers := make([]credits.Ledger, 0, len(rows))
	for _, row := range rows {
		ledgerRecord, err := mapLedger(row)
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, ledgerRecord)
	}
	return ledgers, nil
}

// CreateOrder persists a pending order keyed by the gateway-issued id.
func (store *Store) CreateOrder(ctx context.Context, order credits.Order) error {
	model := PurchaseOrder{
		OrderID:          order.OrderID.String(),
		UserID:           order.UserID.String(),
		Receipt:          order.Receipt,
		FiatAmountCents:  order.FiatAmountCents,
		CreditAmount:     order.CreditAmount.Int64(),
		Status:           order.Status.String(),
		PaymentReference: order.PaymentReference,
		Metadata:         datatypesJSON(order.MetadataJSON),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectOrder, errorCodeDuplicate, credits.ErrOrderExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeCreate, err)
	}
	return nil
}

// GetOrder returns an order by its gateway-issued id.
func (store *Store) GetOrder(ctx context.Context, orderID credits.OrderID) (credits.Order, error) {
	var model PurchaseOrder
	err := store.db.WithContext(ctx).Take(&model, "order_id = ?", orderID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, credits.ErrOrderNotFound)
	}
	if err != nil {
		return credits.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	return mapOrder(model)
}

// CompleteOrder performs the single monotonic pending→completed transition.
// The status guard is part of the write itself; the losing path of a
// reconciliation race sees zero rows and a typed outcome.
func (store *Store) CompleteOrder(ctx context.Context, orderID credits.OrderID, paymentReference credits.PaymentID) error {
	result := store.db.WithContext(ctx).
		Model(&PurchaseOrder{}).
		Where("order_id = ? AND status = ?", orderID.String(), credits.OrderStatusPending.String()).
		Updates(map[string]interface{}{
			"status":            credits.OrderStatusCompleted.String(),
			"payment_reference": paymentReference.String(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeComplete, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.classifyMissedTransition(ctx, orderID, errorCodeComplete)
	}
	return nil
}

// FailOrder performs the monotonic pending→failed transition.
func (store *Store) FailOrder(ctx context.Context, orderID credits.OrderID) error {
	result := store.db.WithContext(ctx).
		Model(&PurchaseOrder{}).
		Where("order_id = ? AND status = ?", orderID.String(), credits.OrderStatusPending.String()).
		Update("status", credits.OrderStatusFailed.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeFail, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.classifyMissedTransition(ctx, orderID, errorCodeFail)
	}
	return nil
}

// AdvanceRenewalEpoch moves the last renewal epoch forward only when it is
// strictly behind the current month.
func (store *Store) AdvanceRenewalEpoch(ctx context.Context, userID credits.UserID, currentEpoch credits.MonthEpoch) error {
	result := store.db.WithContext(ctx).
		Model(&CreditLedger{}).
		Where("user_id = ? AND last_renewal_epoch < ?", userID.String(), currentEpoch.Int64()).
		Update("last_renewal_epoch", currentEpoch.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeRenew, result.Error)
	}
	if result.RowsAffected == 0 {
		var model CreditLedger
		err := store.db.WithContext(ctx).Take(&model, "user_id = ?", userID.String()).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wrapStoreError(errorSubjectLedger, errorCodeRenew, credits.ErrUnknownLedger)
		}
		if err != nil {
			return wrapStoreError(errorSubjectLedger, errorCodeRenew, err)
		}
		return wrapStoreError(errorSubjectLedger, errorCodeRenew, credits.ErrRenewalCurrent)
	}
	return nil
}

func (store *Store) currentBalance(ctx context.Context, userID credits.UserID, code string) (int64, error) {
	var model CreditLedger
	if err := store.db.WithContext(ctx).Take(&model, "user_id = ?", userID.String()).Error; err != nil {
		return 0, wrapStoreError(errorSubjectLedger, code, err)
	}
	return model.Balance, nil
}

func (store *Store) classifyMissedTransition(ctx context.Context, orderID credits.OrderID, code string) error {
	var model PurchaseOrder
	err := store.db.WithContext(ctx).Take(&model, "order_id = ?", orderID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapStoreError(errorSubjectOrder, code, credits.ErrOrderNotFound)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOrder, code, err)
	}
	switch credits.OrderStatus(model.Status) {
	case credits.OrderStatusCompleted:
		return wrapStoreError(errorSubjectOrder, code, credits.ErrOrderCompleted)
	case credits.OrderStatusFailed:
		return wrapStoreError(errorSubjectOrder, code, credits.ErrOrderFailed)
	}
	return wrapStoreError(errorSubjectOrder, code, credits.ErrInvalidOrderStatus)
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapLedger(model CreditLedger) (credits.Ledger, error) {
	userID, err := credits.NewUserID(model.UserID)
	if err != nil {
		return credits.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
	}
	epoch, err := credits.NewMonthEpoch(model.LastRenewalEpoch)
	if err != nil {
		return credits.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
	}
	if model.Balance < 0 {
		return credits.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeInvalid, credits.ErrInvalidBalance)
	}
	return credits.Ledger{
		UserID:           userID,
		Balance:          model.Balance,
		LastRenewalEpoch: epoch,
	}, nil
}

func mapOrder(model PurchaseOrder) (credits.Order, error) {
	orderID, err := credits.NewOrderID(model.OrderID)
	if err != nil {
		return credits.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	userID, err := credits.NewUserID(model.UserID)
	if err != nil {
		return credits.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	creditAmount, err := credits.NewCreditAmount(model.CreditAmount)
	if err != nil {
		return credits.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	status, err := credits.ParseOrderStatus(model.Status)
	if err != nil {
		return credits.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	return credits.Order{
		OrderID:          orderID,
		UserID:           userID,
		Receipt:          model.Receipt,
		FiatAmountCents:  model.FiatAmountCents,
		CreditAmount:     creditAmount,
		Status:           status,
		PaymentReference: model.PaymentReference,
		MetadataJSON:     string(model.Metadata),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
