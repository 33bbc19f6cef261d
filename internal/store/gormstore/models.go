package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// CreditLedger represents the credit_ledgers table: one row per user, the
// only source of truth for spendable balance.
type CreditLedger struct {
	UserID           string    `gorm:"primaryKey"`
	Balance          int64     `gorm:"not null"`
	LastRenewalEpoch int64     `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (CreditLedger) TableName() string { return "credit_ledgers" }

// PurchaseOrder mirrors the purchase_orders table, keyed by the
// gateway-issued order id.
type PurchaseOrder struct {
	OrderID          string         `gorm:"primaryKey"`
	UserID           string         `gorm:"not null;index:idx_orders_user_created,priority:1"`
	Receipt          string         `gorm:"type:uuid;not null;uniqueIndex"`
	FiatAmountCents  int64          `gorm:"not null"`
	CreditAmount     int64          `gorm:"not null"`
	Status           string         `gorm:"not null;index"`
	PaymentReference string         `gorm:"not null;default:''"`
	Metadata         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_orders_user_created,priority:2"`
	UpdatedAt        time.Time      `gorm:"not null"`
}

func (PurchaseOrder) TableName() string { return "purchase_orders" }
