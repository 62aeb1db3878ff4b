package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UserProfile carries the natal data used by chart generation. Billing never
// reads it, but plan entitlements gate how much of it downstream services see.
type UserProfile struct {
	ID             uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID         uuid.UUID       `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	BirthDate      time.Time       `gorm:"column:birth_date;type:date;not null"`
	BirthTime      *string         `gorm:"column:birth_time"`
	BirthPlace     string          `gorm:"column:birth_place;not null"`
	BirthLatitude  decimal.Decimal `gorm:"column:birth_latitude;type:numeric(9,6);not null"`
	BirthLongitude decimal.Decimal `gorm:"column:birth_longitude;type:numeric(9,6);not null"`
	Timezone       string          `gorm:"column:timezone;not null"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
