package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the account record: identity, credentials and cash balance.
// Balance never goes negative; every mutation bumps Version.
type User struct {
	ID                  string          `json:"id" db:"id"`
	Username            string          `json:"username" db:"username"`
	Email               string          `json:"email" db:"email"`
	FirstName           string          `json:"firstName" db:"first_name"`
	LastName            string          `json:"lastName" db:"last_name"`
	DateOfBirth         time.Time       `json:"dateOfBirth" db:"date_of_birth"`
	Balance             decimal.Decimal `json:"balance" db:"balance"`
	FailedLoginAttempts int             `json:"-" db:"failed_login_attempts"`
	LockedUntil         *time.Time      `json:"-" db:"locked_until"`
	LastLogin           *time.Time      `json:"lastLogin,omitempty" db:"last_login"`
	Version             int             `json:"-" db:"version"` // for optimistic locking
	CreatedAt           time.Time       `json:"createdAt" db:"created_at"`
}
