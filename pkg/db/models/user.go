package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/astraltide/lumina-backend/pkg/enums"
)

// User represents the canonical identity entity plus its billing flags.
type User struct {
	ID                  uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Email               string         `gorm:"type:text;not null;uniqueIndex"`
	PasswordHash        string         `gorm:"column:password_hash;not null"`
	FirstName           string         `gorm:"column:first_name;not null"`
	LastName            string         `gorm:"column:last_name;not null"`
	Phone               *string        `gorm:"column:phone"`
	IsActive            bool           `gorm:"column:is_active;not null;default:true"`
	LastLoginAt         *time.Time     `gorm:"column:last_login_at"`
	StripeCustomerID    *string        `gorm:"column:stripe_customer_id;uniqueIndex"`
	HasUsedTrial        bool           `gorm:"column:has_used_trial;not null;default:false"`
	IsCardSetupComplete bool           `gorm:"column:is_card_setup_complete;not null;default:false"`
	PreferredCurrency   enums.Currency `gorm:"column:preferred_currency;type:text;not null;default:'inr'"`
	CreatedAt           time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// FullName joins the user's first and last names.
func (u User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}
