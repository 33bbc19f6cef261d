package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UserID identifies a ledger owner.
type UserID struct {
	value string
}

// OrderID is the gateway-issued purchase identifier. It is the idempotency
// key for credit application: both reconciliation paths settle by it.
type OrderID struct {
	value string
}

// PaymentID is the gateway-assigned proof of payment.
type PaymentID struct {
	value string
}

// CreditAmount is a strictly positive quantity of credits.
type CreditAmount int64

// MonthEpoch encodes a calendar month as year*100+month (e.g. 202609).
// Renewal grants are gated on strict epoch ordering, never wall-clock deltas.
type MonthEpoch int64

// Actor is the authenticated identity behind a request. Privileged actors
// are exempt from debiting.
type Actor struct {
	UserID     UserID
	Privileged bool
}

// OrderStatus defines the purchase order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
)

// Ledger is the per-user balance record.
type Ledger struct {
	UserID           UserID
	Balance          int64
	LastRenewalEpoch MonthEpoch
}

// Order records one purchase attempt correlating fiat payment to a credit grant.
type Order struct {
	OrderID          OrderID
	UserID           UserID
	Receipt          string
	FiatAmountCents  int64
	CreditAmount     CreditAmount
	Status           OrderStatus
	PaymentReference string
	MetadataJSON     string
}

// OrderRegistration is the payload sent to the payment gateway when a
// purchase is initiated.
type OrderRegistration struct {
	Receipt         string
	UserID          UserID
	FiatAmountCents int64
	CreditAmount    CreditAmount
}

// ReconcileResult reports the outcome of a completion signal. Applied is
// false when the order had already been completed by the other path; that
// case is a success-shaped no-op, not a failure.
type ReconcileResult struct {
	Order      Order
	Applied    bool
	NewBalance int64
}

// RenewalSummary aggregates a RenewAll batch.
type RenewalSummary struct {
	Renewed int
	Skipped int
	Failed  int
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewOrderID validates and normalizes an order id.
func NewOrderID(raw string) (OrderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrderID{}, fmt.Errorf("%w: empty value", ErrInvalidOrderID)
	}
	return OrderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OrderID) String() string {
	return id.value
}

// NewPaymentID validates and normalizes a payment id.
func NewPaymentID(raw string) (PaymentID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PaymentID{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentID)
	}
	return PaymentID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PaymentID) String() string {
	return id.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw credit quantity.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// NewMonthEpoch validates a year*100+month encoding.
func NewMonthEpoch(raw int64) (MonthEpoch, error) {
	year := raw / 100
	month := raw % 100
	if year < 1 || month < 1 || month > 12 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidMonthEpoch, raw)
	}
	return MonthEpoch(raw), nil
}

// EpochForTime returns the calendar month epoch of t in UTC.
func EpochForTime(t time.Time) MonthEpoch {
	utc := t.UTC()
	return MonthEpoch(int64(utc.Year())*100 + int64(utc.Month()))
}

// Before reports whether the epoch is strictly earlier than other.
func (epoch MonthEpoch) Before(other MonthEpoch) bool {
	return epoch < other
}

// Int64 returns the raw epoch encoding.
func (epoch MonthEpoch) Int64() int64 {
	return int64(epoch)
}

// ParseOrderStatus validates a stored status value.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	switch OrderStatus(raw) {
	case OrderStatusPending, OrderStatusCompleted, OrderStatusFailed:
		return OrderStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOrderStatus, raw)
}

// String returns the stored status value.
func (status OrderStatus) String() string {
	return string(status)
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return "", fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return normalized, nil
}

// Store is the persistence contract used by Service. Every balance and
// status mutation is a single conditional write at the store; Service never
// performs read-then-write updates.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateLedger(ctx context.Context, userID UserID, startingBalance CreditAmount, currentEpoch MonthEpoch) (Ledger, error)
	DebitBalance(ctx context.Context, userID UserID, amount CreditAmount) (int64, error)
	CreditBalance(ctx context.Context, userID UserID, amount CreditAmount) (int64, error)
	ListLedgers(ctx context.Context, afterUserID string, limit int) ([]Ledger, error)
	CreateOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, orderID OrderID) (Order, error)
	CompleteOrder(ctx context.Context, orderID OrderID, paymentReference PaymentID) error
	FailOrder(ctx context.Context, orderID OrderID) error
	AdvanceRenewalEpoch(ctx context.Context, userID UserID, currentEpoch MonthEpoch) error
}

// Gateway is the payment-gateway collaborator boundary. RegisterOrder
// returns the gateway-issued order id that keys the purchase.
type Gateway interface {
	RegisterOrder(ctx context.Context, registration OrderRegistration) (OrderID, error)
}
