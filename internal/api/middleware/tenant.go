package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Tenant extracts the tenant id from the verified token claims. Every
// downstream query is scoped by this value; requests without one stop here.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Claims not found"})
			c.Abort()
			return
		}

		registered, ok := claims.(*jwt.RegisteredClaims)
		if !ok || registered.Subject == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Tenant not found in token"})
			c.Abort()
			return
		}

		c.Set("tenant_id", registered.Subject)
		c.Next()
	}
}
