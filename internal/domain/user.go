// Package domain contains entities without transport or lifecycle logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDInvalid   = errors.New("user id invalid")
)

type UserID string

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(username string) (*User, error) {
	u := &User{ID: UserID(uuid.NewString())}
	if err := u.SetUsername(username); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) SetUsername(username string) error {
	username = strings.TrimSpace(username)
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}

// Validate checks a user reference received from the outside.
func (u User) Validate() error {
	if u.ID == "" || len(u.ID) > MaxUserIDLen {
		return ErrUserIDInvalid
	}
	if u.Username == "" {
		return ErrUsernameEmpty
	}
	return nil
}
