package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	dbtypes "github.com/astraltide/lumina-backend/pkg/db/types"
	"github.com/astraltide/lumina-backend/pkg/enums"
)

// Plan is the local catalog entry backing a recurring gateway price per
// supported currency.
type Plan struct {
	ID              uuid.UUID                 `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Name            string                    `gorm:"column:name;not null"`
	Slug            string                    `gorm:"column:slug;not null;uniqueIndex"`
	Description     *string                   `gorm:"column:description"`
	Interval        enums.BillingInterval     `gorm:"column:interval;type:text;not null"`
	TrialPeriodDays int                       `gorm:"column:trial_period_days;not null;default:0"`
	StripeProductID string                    `gorm:"column:stripe_product_id;not null"`
	StripePriceIDs  dbtypes.CurrencyStringMap `gorm:"column:stripe_price_ids;type:jsonb;not null"`
	AmountsMinor    dbtypes.CurrencyAmountMap `gorm:"column:amounts_minor;type:jsonb;not null"`
	Features        pq.StringArray            `gorm:"column:features;type:text[];not null;default:ARRAY[]::text[]"`
	Status          enums.PlanStatus          `gorm:"column:status;type:text;not null;default:'active'"`
	Position        int                       `gorm:"column:position;not null;default:0"`
	CreatedAt       time.Time                 `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time                 `gorm:"column:updated_at;autoUpdateTime"`
}

// PriceIDFor resolves the gateway price id for a currency.
func (p Plan) PriceIDFor(currency enums.Currency) (string, bool) {
	priceID, ok := p.StripePriceIDs[currency]
	return priceID, ok && priceID != ""
}

// AmountMinorFor resolves the minor-unit amount for a currency.
func (p Plan) AmountMinorFor(currency enums.Currency) (int64, bool) {
	amount, ok := p.AmountsMinor[currency]
	return amount, ok
}

// HasTrial reports whether new subscribers get a trial period.
func (p Plan) HasTrial() bool {
	return p.TrialPeriodDays > 0
}
