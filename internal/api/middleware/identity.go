package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Header names injected by the upstream auth layer.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	RoleAdmin = "admin"

	ctxUserID   = "identity.user_id"
	ctxElevated = "identity.elevated"
)

// Identity extracts the caller identity from the trusted headers. A
// request without a user id is rejected; the perimeter auth layer is
// responsible for populating these.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing identity",
			})
			c.Abort()
			return
		}
		c.Set(ctxUserID, userID)
		c.Set(ctxElevated, c.GetHeader(HeaderUserRole) == RoleAdmin)
		c.Next()
	}
}

// UserID returns the authenticated user id for the request.
func UserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// Elevated reports whether the caller may act across user boundaries.
func Elevated(c *gin.Context) bool {
	return c.GetBool(ctxElevated)
}
