package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"hasirumitra/internal/services"
)

// AuthMiddleware validates the Bearer access token and stashes the caller
// identity in the request context. The verifier is injected; there is no
// package-level key.
func AuthMiddleware(tokens *services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid Authorization header"})
			return
		}

		claims, err := tokens.ParseAccess(strings.TrimSpace(parts[1]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set("identity_id", claims.IdentityID)
		c.Set("role_id", claims.RoleID)
		c.Next()
	}
}
