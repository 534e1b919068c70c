package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const userIDKey = "auth_user_id"

// Middleware authenticates requests with a bearer token and stores the user
// ID on the gin context.
func Middleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := validator.ValidateToken(BearerToken(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// BearerToken extracts the token from the Authorization header, falling back
// to the "token" query parameter. The fallback exists for the WebSocket
// handshake, where browsers cannot set custom headers.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get(userIDKey)
	if !exists {
		return "", false
	}
	id, ok := userID.(string)
	return id, ok && id != ""
}
