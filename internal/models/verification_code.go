package models

import "time"

// Code purposes. A (identity, purpose) pair holds at most one live code.
const (
	PurposePhoneVerification = "phone_verification"
	PurposePasswordReset     = "password_reset"
)

// VerificationCode — one row per issued code. Only the bcrypt hash of the
// code is stored; the plaintext exists only in the delivery message.
type VerificationCode struct {
	ID         int64     `json:"id"`
	IdentityID int64     `json:"identity_id"`
	Purpose    string    `json:"purpose"`
	CodeHash   string    `json:"-"`
	ExpiresAt  time.Time `json:"expires_at"`
	Consumed   bool      `json:"consumed"`
	CreatedAt  time.Time `json:"created_at"`
}

func ValidPurpose(p string) bool {
	return p == PurposePhoneVerification || p == PurposePasswordReset
}
