package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/astraltide/lumina-backend/pkg/enums"
)

// Subscription is the local mirror of one gateway subscription. At most one
// row per user may sit in a non-terminal status; the partial unique index
// idx_subscriptions_one_active_per_user enforces it.
type Subscription struct {
	ID                   uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID               uuid.UUID                `gorm:"column:user_id;type:uuid;not null;index"`
	PlanID               uuid.UUID                `gorm:"column:plan_id;type:uuid;not null"`
	NextPlanID           *uuid.UUID               `gorm:"column:next_plan_id;type:uuid"`
	StripeSubscriptionID string                   `gorm:"column:stripe_subscription_id;not null;uniqueIndex"`
	StripeCustomerID     string                   `gorm:"column:stripe_customer_id;not null;index"`
	Status               enums.SubscriptionStatus `gorm:"column:status;type:text;not null"`
	Currency             enums.Currency           `gorm:"column:currency;type:text;not null"`
	AmountMinor          int64                    `gorm:"column:amount_minor;not null"`
	PaymentMethodID      *string                  `gorm:"column:payment_method_id"`
	IsTrial              bool                     `gorm:"column:is_trial;not null;default:false"`
	StartDate            *time.Time               `gorm:"column:start_date"`
	TrialStartsAt        *time.Time               `gorm:"column:trial_starts_at"`
	TrialEndsAt          *time.Time               `gorm:"column:trial_ends_at"`
	CurrentPeriodStart   *time.Time               `gorm:"column:current_period_start"`
	CurrentPeriodEnd     *time.Time               `gorm:"column:current_period_end"`
	NextBillingDate      *time.Time               `gorm:"column:next_billing_date"`
	CancelAtPeriodEnd    bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	CanceledAt           *time.Time               `gorm:"column:canceled_at"`
	CancellationReason   *string                  `gorm:"column:cancellation_reason"`
	CreatedAt            time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

// OccupiesActiveSlot reports whether this row still blocks a fresh purchase.
func (s Subscription) OccupiesActiveSlot() bool {
	return !s.Status.IsTerminal()
}
