package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"hasirumitra/internal/models"
	"hasirumitra/internal/repositories"
)

var (
	// ErrCodeInvalid covers absent, expired, consumed and mismatched codes
	// alike, so a caller cannot tell which one happened.
	ErrCodeInvalid = errors.New("invalid or expired code")
	// ErrTooManyAttempts means the verification budget for the pair is spent.
	ErrTooManyAttempts = errors.New("too many attempts")
	// ErrResendThrottled means the send budget for the pair is spent.
	ErrResendThrottled = errors.New("resend throttled")
	// ErrUnavailable marks store/limiter/gateway timeouts and transport
	// failures. Retryable; never reported as a wrong code.
	ErrUnavailable = errors.New("temporarily unavailable")
)

// AttemptLimiter is the sliding-window counter contract the OTP engine
// budgets against. Satisfied by ratelimit.Limiter.
type AttemptLimiter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
	RetryAfter(ctx context.Context, key string) (time.Duration, error)
}

type OTPConfig struct {
	Digits        int
	TTL           time.Duration
	MaxAttempts   int
	AttemptWindow time.Duration
	MaxSends      int
	SendWindow    time.Duration
}

func (c *OTPConfig) applyDefaults() {
	if c.Digits == 0 {
		c.Digits = 6
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = 15 * time.Minute
	}
	if c.MaxSends == 0 {
		c.MaxSends = 3
	}
	if c.SendWindow <= 0 {
		c.SendWindow = 10 * time.Minute
	}
}

// OTPService issues and verifies one-time codes. One live code per
// (identity, purpose); attempt budgets live in the TTL counter, not on
// the code row.
type OTPService struct {
	codes   repositories.VerificationCodeRepository
	limiter AttemptLimiter
	cfg     OTPConfig

	generate func(digits int) (string, error)
}

func NewOTPService(codes repositories.VerificationCodeRepository, limiter AttemptLimiter, cfg OTPConfig, generate func(int) (string, error)) *OTPService {
	cfg.applyDefaults()
	return &OTPService{
		codes:    codes,
		limiter:  limiter,
		cfg:      cfg,
		generate: generate,
	}
}

func failKey(identityID int64, purpose string) string {
	return fmt.Sprintf("otp:fail:%d:%s", identityID, purpose)
}

func sendKey(identityID int64, purpose string) string {
	return fmt.Sprintf("otp:send:%d:%s", identityID, purpose)
}

// Generate draws a fresh code, stores its bcrypt hash (invalidating any
// prior live code for the pair) and returns the plaintext to the caller
// for delivery. The plaintext is never logged.
func (s *OTPService) Generate(ctx context.Context, identityID int64, purpose string) (string, error) {
	if !models.ValidPurpose(purpose) {
		return "", fmt.Errorf("unknown code purpose %q", purpose)
	}

	code, err := s.generate(s.cfg.Digits)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}

	expiresAt := time.Now().Add(s.cfg.TTL)
	if _, err := s.codes.Issue(ctx, identityID, purpose, string(hash), expiresAt); err != nil {
		return "", storeErr(err)
	}
	return code, nil
}

// ThrottleSend burns one unit of the send budget for the pair. Called by
// the orchestrator before every issuance that a client can trigger.
func (s *OTPService) ThrottleSend(ctx context.Context, identityID int64, purpose string) error {
	count, err := s.limiter.Hit(ctx, sendKey(identityID, purpose), s.cfg.SendWindow)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count > int64(s.cfg.MaxSends) {
		return ErrResendThrottled
	}
	return nil
}

// Verify fails closed. An exhausted attempt budget short-circuits before
// the code store is touched, so a rate-limited caller cannot use this as
// an oracle against a freshly issued code. Consumption is a conditional
// UPDATE: of two racing submissions of the correct code only one wins.
func (s *OTPService) Verify(ctx context.Context, identityID int64, purpose, submitted string) error {
	fk := failKey(identityID, purpose)

	count, err := s.limiter.Count(ctx, fk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count >= int64(s.cfg.MaxAttempts) {
		return ErrTooManyAttempts
	}

	current, err := s.codes.Current(ctx, identityID, purpose)
	if err != nil {
		return storeErr(err)
	}
	if current == nil {
		return s.fail(ctx, fk)
	}

	if bcrypt.CompareHashAndPassword([]byte(current.CodeHash), []byte(submitted)) != nil {
		return s.fail(ctx, fk)
	}

	consumed, err := s.codes.Consume(ctx, current.ID)
	if err != nil {
		return storeErr(err)
	}
	if !consumed {
		// Lost the consume race, or the code was replaced mid-flight.
		return s.fail(ctx, fk)
	}

	if err := s.limiter.Reset(ctx, fk); err != nil {
		// The verification already succeeded; a stale counter only
		// tightens future budgets until the window elapses.
		return nil
	}
	return nil
}

// RetryAfter exposes the remaining attempt window for 429 responses.
func (s *OTPService) RetryAfter(ctx context.Context, identityID int64, purpose string) time.Duration {
	d, err := s.limiter.RetryAfter(ctx, failKey(identityID, purpose))
	if err != nil {
		return s.cfg.AttemptWindow
	}
	if d <= 0 {
		return s.cfg.AttemptWindow
	}
	return d
}

// SweepExpired purges dead code rows. Hygiene only: reads already treat
// expired rows as absent.
func (s *OTPService) SweepExpired(ctx context.Context) (int64, error) {
	return s.codes.DeleteExpired(ctx, time.Now())
}

func (s *OTPService) fail(ctx context.Context, key string) error {
	if _, err := s.limiter.Hit(ctx, key, s.cfg.AttemptWindow); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ErrCodeInvalid
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || repositories.IsTransient(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
