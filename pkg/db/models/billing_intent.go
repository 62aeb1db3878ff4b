package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/astraltide/lumina-backend/pkg/enums"
)

// BillingIntent is a write-ahead record for a gateway mutation. It is created
// pending before the gateway call and resolved after the local write commits,
// so the sweep job can reconcile rows left behind by a crash between the two.
type BillingIntent struct {
	ID                   uuid.UUID                 `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID               uuid.UUID                 `gorm:"column:user_id;type:uuid;not null;index"`
	Kind                 enums.BillingIntentKind   `gorm:"column:kind;type:text;not null"`
	Status               enums.BillingIntentStatus `gorm:"column:status;type:text;not null;default:'pending';index"`
	PlanID               *uuid.UUID                `gorm:"column:plan_id;type:uuid"`
	StripeSubscriptionID *string                   `gorm:"column:stripe_subscription_id"`
	Payload              json.RawMessage           `gorm:"column:payload;type:jsonb"`
	Attempts             int                       `gorm:"column:attempts;not null;default:0"`
	LastError            *string                   `gorm:"column:last_error"`
	ResolvedAt           *time.Time                `gorm:"column:resolved_at"`
	CreatedAt            time.Time                 `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                 `gorm:"column:updated_at;autoUpdateTime"`
}

// IsStale reports whether a pending intent is old enough for the sweeper to
// pick up.
func (b BillingIntent) IsStale(grace time.Duration, now time.Time) bool {
	return b.Status == enums.BillingIntentStatusPending && now.Sub(b.CreatedAt) >= grace
}
