package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hasirumitra/internal/models"
	"hasirumitra/internal/services"
)

// genericResetAck is the single, byte-identical reply to every password
// reset request, existing phone or not.
const genericResetAck = "If the phone number is registered, a reset code has been sent"

type AuthHandler struct {
	auth *services.AuthService
}

func NewAuthHandler(auth *services.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type registerRequest struct {
	Phone    string `json:"phone" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
	Email    string `json:"email" binding:"omitempty,email"`
	RoleID   int    `json:"role_id"`
}

// @Summary      Register a new account
// @Description  Creates an identity pending phone verification and sends a verification code
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        register  body      registerRequest  true  "Registration data"
// @Success      201       {object}  map[string]interface{}
// @Failure      400       {object}  map[string]string
// @Failure      409       {object}  map[string]string
// @Router       /auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	identity, err := h.auth.Register(c.Request.Context(), req.Phone, req.Password, req.Email, req.RoleID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrPhoneExists):
			c.JSON(http.StatusConflict, gin.H{"error": "phone already registered"})
		case errors.Is(err, services.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, please retry"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"identity_id": identity.ID})
}

// @Summary      Log in
// @Description  Authenticates by phone and password and returns a credential pair
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        login  body      models.LoginRequest  true  "Login data"
// @Success      200    {object}  map[string]interface{}
// @Failure      401    {object}  map[string]string
// @Router       /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, identity, err := h.auth.Login(c.Request.Context(), req.Phone, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrVerificationRequired):
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":       "verification required",
				"code":        "verification_required",
				"identity_id": identity.ID,
			})
		case errors.Is(err, services.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, please retry"})
		default:
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid phone or password"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tokens":   pair,
		"identity": identity, // PasswordHash is json:"-", never serialized
	})
}

type verifyRequest struct {
	IdentityID int64  `json:"identity_id" binding:"required"`
	Code       string `json:"code" binding:"required"`
}

// @Summary      Verify phone number
// @Description  Consumes a verification code; on success the account becomes active and receives tokens
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        verify  body      verifyRequest  true  "Verification data"
// @Success      200     {object}  map[string]interface{}
// @Failure      400     {object}  map[string]string
// @Failure      429     {object}  map[string]string
// @Router       /auth/verify [post]
func (h *AuthHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, err := h.auth.VerifyPhone(c.Request.Context(), req.IdentityID, req.Code)
	if err != nil {
		h.writeVerifyError(c, req.IdentityID, models.PurposePhoneVerification, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": pair})
}

type resendRequest struct {
	IdentityID int64  `json:"identity_id" binding:"required"`
	Purpose    string `json:"purpose"`
}

// @Summary      Resend verification code
// @Description  Issues a fresh code for the identity, invalidating the previous one
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        resend  body      resendRequest  true  "Resend data"
// @Success      200     {object}  map[string]string
// @Failure      404     {object}  map[string]string
// @Failure      429     {object}  map[string]string
// @Router       /auth/resend [post]
func (h *AuthHandler) Resend(c *gin.Context) {
	var req resendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Purpose == "" {
		req.Purpose = models.PurposePhoneVerification
	}

	if err := h.auth.ResendCode(c.Request.Context(), req.IdentityID, req.Purpose); err != nil {
		switch {
		case errors.Is(err, services.ErrIdentityNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		case errors.Is(err, services.ErrResendThrottled):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests, try later"})
		case errors.Is(err, services.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, please retry"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "code sent"})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// @Summary      Refresh tokens
// @Description  Rotates a refresh token into a brand-new credential pair
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        refresh  body      refreshRequest  true  "Refresh token"
// @Success      200      {object}  map[string]interface{}
// @Failure      401      {object}  map[string]string
// @Router       /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, _, err := h.auth.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, please retry"})
		default:
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": pair})
}

type forgotPasswordRequest struct {
	Phone string `json:"phone" binding:"required"`
}

// @Summary      Request password reset
// @Description  Always acknowledges; a reset code is sent only if the phone is registered
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        forgot  body      forgotPasswordRequest  true  "Phone number"
// @Success      200     {object}  map[string]string
// @Router       /auth/password/forgot [post]
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.auth.RequestPasswordReset(c.Request.Context(), req.Phone)
	c.JSON(http.StatusOK, gin.H{"message": genericResetAck})
}

type resetPasswordRequest struct {
	IdentityID  int64  `json:"identity_id" binding:"required"`
	Code        string `json:"code" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=8"`
}

// @Summary      Reset password
// @Description  Consumes a password reset code and replaces the password
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        reset  body      resetPasswordRequest  true  "Reset data"
// @Success      200    {object}  map[string]string
// @Failure      400    {object}  map[string]string
// @Failure      429    {object}  map[string]string
// @Router       /auth/password/reset [post]
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.auth.ResetPassword(c.Request.Context(), req.IdentityID, req.Code, req.NewPassword); err != nil {
		h.writeVerifyError(c, req.IdentityID, models.PurposePasswordReset, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}

// writeVerifyError maps OTP outcomes to responses. Invalid, expired and
// consumed codes share one message; rate limits carry Retry-After.
func (h *AuthHandler) writeVerifyError(c *gin.Context, identityID int64, purpose string, err error) {
	switch {
	case errors.Is(err, services.ErrTooManyAttempts):
		retryAfter := h.auth.VerifyRetryAfter(c.Request.Context(), identityID, purpose)
		c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter/time.Second)))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts, try later"})
	case errors.Is(err, services.ErrCodeInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired code"})
	case errors.Is(err, services.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrIdentityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
	case errors.Is(err, services.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, please retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
	}
}
