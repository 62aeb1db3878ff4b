package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/astraltide/lumina-backend/pkg/enums"
)

// Transaction is an append-only ledger row for one gateway payment attempt.
// Rows are only ever inserted; corrections land as new rows.
type Transaction struct {
	ID                    uuid.UUID               `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID                uuid.UUID               `gorm:"column:user_id;type:uuid;not null;index"`
	SubscriptionID        *uuid.UUID              `gorm:"column:subscription_id;type:uuid;index"`
	PlanID                *uuid.UUID              `gorm:"column:plan_id;type:uuid"`
	StripeEventID         string                  `gorm:"column:stripe_event_id;not null;uniqueIndex"`
	StripeInvoiceID       *string                 `gorm:"column:stripe_invoice_id"`
	StripePaymentIntentID *string                 `gorm:"column:stripe_payment_intent_id"`
	Status                enums.TransactionStatus `gorm:"column:status;type:text;not null"`
	Amount                decimal.Decimal         `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency              enums.Currency          `gorm:"column:currency;type:text;not null"`
	CardBrand             *string                 `gorm:"column:card_brand"`
	CardLast4             *string                 `gorm:"column:card_last4"`
	FailureCode           *string                 `gorm:"column:failure_code"`
	FailureMessage        *string                 `gorm:"column:failure_message"`
	OccurredAt            time.Time               `gorm:"column:occurred_at;not null"`
	CreatedAt             time.Time               `gorm:"column:created_at;autoCreateTime"`
}

// AmountFromMinor converts a gateway minor-unit amount into the ledger's
// decimal representation (two fractional digits for all supported currencies).
func AmountFromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
