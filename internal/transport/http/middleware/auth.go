package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"supportchat/internal/auth"
	"supportchat/internal/transport/http/response"
)

const (
	ContextUserIDKey   = "user_id"
	ContextIdentityKey = "identity"
)

// Auth verifies the bearer token with the authorizer and stores the caller's
// identity in the gin context.
func Auth(authorizer auth.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "missing authorization header")
			return
		}

		const prefix = "Bearer "
		if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
			response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid authorization scheme")
			return
		}

		token := strings.TrimSpace(authHeader[len(prefix):])
		identity, err := authorizer.Authorize(c.Request.Context(), token, "")
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				response.Abort(c, http.StatusUnauthorized, response.CodeTokenExpired, "token expired")
				return
			}
			response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token")
			return
		}

		c.Set(ContextUserIDKey, identity.UserID)
		c.Set(ContextIdentityKey, identity)
		c.Next()
	}
}

// RequireRole lets the request through only when Auth found role in the
// token's roles claim.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, _ := c.Get(ContextIdentityKey)
		identity, ok := value.(*auth.Identity)
		if !ok || !identity.HasRole(role) {
			response.Abort(c, http.StatusForbidden, response.CodeForbidden, role+" role not granted")
			return
		}
		c.Next()
	}
}

// UserID returns the id stored by Auth.
func UserID(c *gin.Context) (string, bool) {
	value, ok := c.Get(ContextUserIDKey)
	if !ok {
		return "", false
	}
	userID, ok := value.(string)
	return userID, ok && userID != ""
}
