// Package auth holds request guards for operator-only routes. Caller
// identity for tenant routes comes from the upstream gateway.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminHeader carries the operator secret.
const AdminHeader = "X-Admin-Secret"

// RequireAdmin rejects requests whose X-Admin-Secret does not match
// secret. With an empty secret every request is rejected.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminHeader)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": AdminHeader + " header is required",
			})
			return
		}
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}
