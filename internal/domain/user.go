// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxIdentityLen = 64

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
)

// UserID is the opaque identity credential a consumer authenticates with.
// The platform issues it; this layer only forwards it.
type UserID string

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username,omitempty"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID) (*User, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, err
	}
	return &User{ID: id}, nil
}

func ValidateIdentity(id UserID) error {
	if len(id) == 0 {
		return ErrIdentityEmpty
	}
	if len(id) > MaxIdentityLen {
		return ErrIdentityTooLong
	}
	return nil
}
