package domain

import (
	"time"
)

// User is the minimal profile the client keeps for the signed-in account.
type User struct {
	ID          int64
	Email       string
	DisplayName string
}

// Credential is the persisted client state read at startup and attached to
// every outbound request. Cleared on authentication failure or logout.
type Credential struct {
	Token   string
	User    User
	SavedAt time.Time
}
