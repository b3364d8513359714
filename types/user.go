package types

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account in the system.
type User struct {
	// ID is the 128-bit identifier used as the token subject.
	ID uuid.UUID `json:"id" db:"id"`

	// Email is the unique login name.
	Email string `json:"email" db:"email"`

	// PasswordHash stores the bcrypt hash of the user's password.
	// The plaintext is never stored and this field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
