package domain

import (
	"errors"
	"time"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrDuplicateAccount = errors.New("account with this ref already registered")
	ErrUnauthorized     = errors.New("unauthorized")
)

// Account holds the credentials of one external platform account. The
// AccountRef is the platform-side identifier every quota is keyed by.
type Account struct {
	ID          string
	OwnerID     string
	AccountRef  string
	APIToken    string
	NotifyEmail string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
