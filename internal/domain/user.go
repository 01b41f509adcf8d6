// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 64
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrUserIDInvalid      = errors.New("user id invalid")
)

type UserID string

// Principal is the authenticated identity attached to a connection.
type Principal struct {
	UserID      UserID `json:"userId"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

// NewPrincipal is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewPrincipal(id UserID, email, displayName string) (Principal, error) {
	if id == "" || len(id) > MaxUserIDLen {
		return Principal{}, ErrUserIDInvalid
	}
	p := Principal{UserID: id, Email: email}
	if err := p.SetDisplayName(displayName); err != nil {
		return Principal{}, err
	}
	return p, nil
}

func (p *Principal) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}
