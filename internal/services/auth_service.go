package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"hasirumitra/internal/authz"
	"hasirumitra/internal/models"
	"hasirumitra/internal/repositories"
)

var (
	ErrPhoneExists = errors.New("phone already registered")
	// ErrInvalidCredentials is deliberately generic: it covers unknown
	// phone, wrong password and deactivated accounts alike.
	ErrInvalidCredentials = errors.New("invalid phone or password")
	// ErrVerificationRequired is returned on login while the account is
	// still pending phone verification; a fresh code has been re-issued.
	ErrVerificationRequired = errors.New("phone verification required")
	ErrIdentityNotFound     = errors.New("identity not found")
	ErrForbidden            = errors.New("forbidden")
	// ErrValidation wraps request-shaped failures whose message is safe
	// to echo back to the caller. Anything else stays opaque.
	ErrValidation = errors.New("invalid request")
)

const (
	storeTimeout   = 3 * time.Second
	gatewayTimeout = 10 * time.Second
	minPasswordLen = 8
)

// AuthService composes the identity store, OTP engine, token service and
// delivery gateway into the public authentication operations and owns the
// PendingVerification -> Active -> Deactivated state machine.
type AuthService struct {
	identities repositories.IdentityRepository
	otp        *OTPService
	tokens     *TokenService
	gateway    DeliveryGateway
	emails     EmailService // optional
}

func NewAuthService(
	identities repositories.IdentityRepository,
	otp *OTPService,
	tokens *TokenService,
	gateway DeliveryGateway,
	emails EmailService,
) *AuthService {
	return &AuthService{
		identities: identities,
		otp:        otp,
		tokens:     tokens,
		gateway:    gateway,
		emails:     emails,
	}
}

func (s *AuthService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, storeTimeout)
}

// Register creates an identity in PendingVerification and issues its
// first phone-verification code. The code row is committed before the
// gateway is called, so a delivery failure leaves a resendable code.
func (s *AuthService) Register(ctx context.Context, phone, password, email string, roleID int) (*models.Identity, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, fmt.Errorf("%w: phone is required", ErrValidation)
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLen)
	}
	if roleID == 0 {
		roleID = authz.RoleFarmer
	}
	if !authz.SelfRegistrable(roleID) {
		return nil, fmt.Errorf("%w: role %d cannot self-register", ErrValidation, roleID)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	identity := &models.Identity{
		Phone:        phone,
		Email:        strings.TrimSpace(email),
		PasswordHash: string(hash),
		RoleID:       roleID,
	}

	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.identities.Create(cctx, identity); err != nil {
		if errors.Is(err, repositories.ErrDuplicatePhone) {
			return nil, ErrPhoneExists
		}
		return nil, storeErr(err)
	}
	log.Printf("[auth][register] identity created id=%d role=%d", identity.ID, identity.RoleID)

	if err := s.issueAndDeliver(ctx, identity, models.PurposePhoneVerification); err != nil {
		// The account exists and the code (if persisted) is resendable.
		log.Printf("[auth][register] initial code delivery failed id=%d: %v", identity.ID, err)
	}
	return identity, nil
}

// issueAndDeliver persists a new code, then hands the plaintext to the
// gateway. Persist-before-send: delivery failure never orphans the flow.
func (s *AuthService) issueAndDeliver(ctx context.Context, identity *models.Identity, purpose string) error {
	cctx, cancel := s.storeCtx(ctx)
	code, err := s.otp.Generate(cctx, identity.ID, purpose)
	cancel()
	if err != nil {
		return err
	}

	message := verificationMessage(code)
	if purpose == models.PurposePasswordReset {
		message = passwordResetMessage(code)
	}

	gctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	if err := s.gateway.Send(gctx, identity.Phone, message); err != nil {
		log.Printf("[auth][deliver] gateway failure id=%d purpose=%s: %v", identity.ID, purpose, err)
		return fmt.Errorf("%w: delivery failed", ErrUnavailable)
	}
	return nil
}

// Login authenticates an Active identity. A PendingVerification identity
// gets a fresh code and a distinct verification-required outcome instead
// of a generic failure.
func (s *AuthService) Login(ctx context.Context, phone, password string) (*TokenPair, *models.Identity, error) {
	cctx, cancel := s.storeCtx(ctx)
	identity, err := s.identities.GetByPhone(cctx, strings.TrimSpace(phone))
	cancel()
	if err != nil {
		return nil, nil, storeErr(err)
	}
	if identity == nil || !identity.Active {
		// Burn a comparison anyway so unknown phones cost the same.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0q0lyOQ9rlAzjM1dOQhZxzqY0y6"), []byte(password))
		return nil, nil, ErrInvalidCredentials
	}

	if bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(password)) != nil {
		return nil, nil, ErrInvalidCredentials
	}

	if !identity.Verified {
		if err := s.otp.ThrottleSend(ctx, identity.ID, models.PurposePhoneVerification); err == nil {
			if err := s.issueAndDeliver(ctx, identity, models.PurposePhoneVerification); err != nil {
				log.Printf("[auth][login] re-issue for pending identity failed id=%d: %v", identity.ID, err)
			}
		}
		return nil, identity, ErrVerificationRequired
	}

	pair, err := s.tokens.Issue(identity)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("[auth][login] success id=%d role=%d", identity.ID, identity.RoleID)
	return pair, identity, nil
}

// VerifyPhone consumes a phone-verification code. On success the identity
// transitions PendingVerification -> Active and receives its first pair.
func (s *AuthService) VerifyPhone(ctx context.Context, identityID int64, code string) (*TokenPair, error) {
	if err := s.otp.Verify(ctx, identityID, models.PurposePhoneVerification, code); err != nil {
		return nil, err
	}

	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.identities.MarkVerified(cctx, identityID); err != nil {
		return nil, storeErr(err)
	}
	identity, err := s.identities.GetByID(cctx, identityID)
	if err != nil {
		return nil, storeErr(err)
	}
	if identity == nil {
		return nil, ErrIdentityNotFound
	}
	log.Printf("[auth][verify] identity verified id=%d", identityID)

	if s.emails != nil && identity.Email != "" {
		if err := s.emails.SendWelcomeEmail(identity.Email); err != nil {
			// warn but do not fail verification
			log.Printf("[auth][verify] warning: welcome email failed id=%d: %v", identityID, err)
		}
	}

	return s.tokens.Issue(identity)
}

// ResendCode re-issues a code for the pair. Each resend is a brand-new
// code; the prior one is invalidated at issuance.
func (s *AuthService) ResendCode(ctx context.Context, identityID int64, purpose string) error {
	if !models.ValidPurpose(purpose) {
		return fmt.Errorf("%w: unknown code purpose %q", ErrValidation, purpose)
	}

	cctx, cancel := s.storeCtx(ctx)
	identity, err := s.identities.GetByID(cctx, identityID)
	cancel()
	if err != nil {
		return storeErr(err)
	}
	if identity == nil {
		return ErrIdentityNotFound
	}

	if err := s.otp.ThrottleSend(ctx, identityID, purpose); err != nil {
		return err
	}
	return s.issueAndDeliver(ctx, identity, purpose)
}

// RefreshTokens rotates a credential pair.
func (s *AuthService) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, *models.Identity, error) {
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.tokens.Refresh(cctx, refreshToken)
}

// RequestPasswordReset never reveals whether the phone exists. All
// internal failures are logged and swallowed; the handler returns the
// same acknowledgement regardless.
func (s *AuthService) RequestPasswordReset(ctx context.Context, phone string) {
	cctx, cancel := s.storeCtx(ctx)
	identity, err := s.identities.GetByPhone(cctx, strings.TrimSpace(phone))
	cancel()
	if err != nil || identity == nil || !identity.Active {
		log.Printf("[auth][password-reset] request for unknown or inactive phone")
		return
	}

	if err := s.otp.ThrottleSend(ctx, identity.ID, models.PurposePasswordReset); err != nil {
		log.Printf("[auth][password-reset] throttled id=%d: %v", identity.ID, err)
		return
	}
	if err := s.issueAndDeliver(ctx, identity, models.PurposePasswordReset); err != nil {
		log.Printf("[auth][password-reset] delivery failed id=%d: %v", identity.ID, err)
	}
}

// ResetPassword consumes a password_reset code and replaces the hash.
// The verified flag is untouched.
func (s *AuthService) ResetPassword(ctx context.Context, identityID int64, code, newPassword string) error {
	if len(newPassword) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLen)
	}

	if err := s.otp.Verify(ctx, identityID, models.PurposePasswordReset, code); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.identities.UpdatePassword(cctx, identityID, string(hash)); err != nil {
		return storeErr(err)
	}
	log.Printf("[auth][password-reset] password replaced id=%d", identityID)
	return nil
}

// SetActive is the admin deactivate/reactivate toggle. The policy check
// runs here, not only in routing, so the rule is testable on its own.
func (s *AuthService) SetActive(ctx context.Context, actorRoleID int, identityID int64, active bool) error {
	if !authz.CanManageIdentities(actorRoleID) {
		return ErrForbidden
	}

	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	identity, err := s.identities.GetByID(cctx, identityID)
	if err != nil {
		return storeErr(err)
	}
	if identity == nil {
		return ErrIdentityNotFound
	}
	if err := s.identities.SetActive(cctx, identityID, active); err != nil {
		return storeErr(err)
	}
	log.Printf("[auth][admin] set active=%v id=%d", active, identityID)
	return nil
}

// GetIdentity and ListIdentities back the admin read endpoints.
func (s *AuthService) GetIdentity(ctx context.Context, actorRoleID int, identityID int64) (*models.Identity, error) {
	if !authz.CanManageIdentities(actorRoleID) {
		return nil, ErrForbidden
	}
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	identity, err := s.identities.GetByID(cctx, identityID)
	if err != nil {
		return nil, storeErr(err)
	}
	if identity == nil {
		return nil, ErrIdentityNotFound
	}
	return identity, nil
}

// ListIdentities returns one admin page plus the total row count, so the
// admin UI can paginate.
func (s *AuthService) ListIdentities(ctx context.Context, actorRoleID, limit, offset int) ([]*models.Identity, int, error) {
	if !authz.CanManageIdentities(actorRoleID) {
		return nil, 0, ErrForbidden
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	list, err := s.identities.List(cctx, limit, offset)
	if err != nil {
		return nil, 0, storeErr(err)
	}
	total, err := s.identities.GetCount(cctx)
	if err != nil {
		return nil, 0, storeErr(err)
	}
	return list, total, nil
}

// VerifyRetryAfter surfaces the attempt-window TTL for rate-limit replies.
func (s *AuthService) VerifyRetryAfter(ctx context.Context, identityID int64, purpose string) time.Duration {
	return s.otp.RetryAfter(ctx, identityID, purpose)
}
