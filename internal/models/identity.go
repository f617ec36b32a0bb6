package models

import "time"

type Identity struct {
	ID           int64  `json:"id"`
	Phone        string `json:"phone"`
	Email        string `json:"email,omitempty"`
	PasswordHash string `json:"-"` // never serialized
	RoleID       int    `json:"role_id"`

	Verified   bool       `json:"verified"`
	Active     bool       `json:"active"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}
