package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"hasirumitra/internal/models"
	"hasirumitra/internal/repositories"
)

// ErrInvalidToken covers bad signatures, expiry, wrong-key substitution
// and tokens referencing identities that are no longer active.
var ErrInvalidToken = errors.New("invalid or expired token")

type Claims struct {
	IdentityID int64 `json:"identity_id"`
	RoleID     int   `json:"role_id"`
	jwt.RegisteredClaims
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // access token lifetime, seconds
}

type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenService mints and validates the stateless credential pair. Access
// and refresh tokens are signed with distinct secrets so one can never be
// substituted for the other. There is no revocation list: a leaked
// refresh token stays valid until it expires.
type TokenService struct {
	cfg        TokenConfig
	identities repositories.IdentityRepository
}

func NewTokenService(cfg TokenConfig, identities repositories.IdentityRepository) (*TokenService, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token service requires both signing secrets")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &TokenService{cfg: cfg, identities: identities}, nil
}

// Issue mints a fresh pair for the identity. Every pair carries new jti
// values, so rotation never re-issues a previous refresh token.
func (s *TokenService) Issue(identity *models.Identity) (*TokenPair, error) {
	now := time.Now()

	access, err := s.sign(identity, now, s.cfg.AccessTTL, s.cfg.AccessSecret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := s.sign(identity, now, s.cfg.RefreshTTL, s.cfg.RefreshSecret)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
	}, nil
}

func (s *TokenService) sign(identity *models.Identity, now time.Time, ttl time.Duration, secret []byte) (string, error) {
	claims := &Claims{
		IdentityID: identity.ID,
		RoleID:     identity.RoleID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseAccess validates an access token and returns its claims.
func (s *TokenService) ParseAccess(tokenStr string) (*Claims, error) {
	return s.parse(tokenStr, s.cfg.AccessSecret)
}

func (s *TokenService) parse(tokenStr string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		// HMAC only; reject alg substitution.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.Time.Before(time.Now()) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Refresh validates a refresh token, re-checks the identity against the
// store (role and active status may have changed since issuance) and
// rotates: the result is a brand-new pair, never an extension of the old.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, *models.Identity, error) {
	claims, err := s.parse(refreshToken, s.cfg.RefreshSecret)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}

	identity, err := s.identities.GetByID(ctx, claims.IdentityID)
	if err != nil {
		return nil, nil, storeErr(err)
	}
	if identity == nil || !identity.Active {
		return nil, nil, ErrInvalidToken
	}

	pair, err := s.Issue(identity)
	if err != nil {
		return nil, nil, err
	}
	return pair, identity, nil
}
