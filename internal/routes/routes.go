package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hasirumitra/internal/authz"
	"hasirumitra/internal/handlers"
	"hasirumitra/internal/middleware"
	"hasirumitra/internal/services"
)

func SetupRoutes(
	r *gin.Engine,
	tokens *services.TokenService,
	authHandler *handlers.AuthHandler,
	adminHandler *handlers.AdminHandler,
	telegramHandler *handlers.TelegramHandler,
) *gin.Engine {

	// ---- public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := r.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/verify", authHandler.Verify)
		auth.POST("/resend", authHandler.Resend)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/password/forgot", authHandler.ForgotPassword)
		auth.POST("/password/reset", authHandler.ResetPassword)
	}

	r.POST("/integrations/telegram/webhook", telegramHandler.Webhook)

	// ---- protected
	admin := r.Group("/admin",
		middleware.AuthMiddleware(tokens),
		middleware.RequireRoles(authz.RoleAdmin),
	)
	{
		admin.GET("/identities", adminHandler.ListIdentities)
		admin.GET("/identities/:id", adminHandler.GetIdentity)
		admin.POST("/identities/:id/deactivate", adminHandler.Deactivate)
		admin.POST("/identities/:id/reactivate", adminHandler.Reactivate)
	}

	return r
}
