package domain

import "time"

// Account is a row of the authentication store.
type Account struct {
	ID           string
	Email        string
	Username     string
	DisplayName  string
	PasswordHash string
	Status       AccountStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type AccountStatus string

const (
	// StatusPending accounts exist but cannot log in until registration completes.
	StatusPending     AccountStatus = "PENDING"
	StatusActive      AccountStatus = "ACTIVE"
	StatusDeactivated AccountStatus = "DEACTIVATED"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusDeactivated:
		return true
	}
	return false
}
