// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxIdentityLen = 64
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
)

// Identity is the durable participant id issued by the identity system.
// It is stable across reconnects within a session.
type Identity string

// Address is the ephemeral endpoint id the relay assigns per connection.
// A reconnect always yields a new Address for the same Identity.
type Address string

// NewAddress issues a fresh transport address.
func NewAddress() Address { return Address(uuid.NewString()) }

func (i Identity) Validate() error {
	if len(i) == 0 {
		return ErrIdentityEmpty
	}
	if len(i) > MaxIdentityLen {
		return ErrIdentityTooLong
	}
	return nil
}

type User struct {
	ID       Identity `json:"id"`
	Username string   `json:"username"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id Identity, username string) (*User, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	u := &User{ID: id}
	if username == "" {
		username = string(id)
	}
	if err := u.SetUsername(username); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) SetUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}
