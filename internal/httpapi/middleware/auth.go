package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/speakenai/speaken/internal/auth"
	"github.com/speakenai/speaken/internal/common"
)

const UserIDKey = "user_id"

// AuthRequired accepts "Authorization: Bearer <jwt>". EventSource clients
// cannot set headers, so a ?token= query parameter is accepted too.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if h := c.GetHeader("Authorization"); h != "" {
			scheme, rest, ok := strings.Cut(h, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				common.Fail(c, http.StatusUnauthorized, 40101, "invalid authorization header")
				return
			}
			token = strings.TrimSpace(rest)
		} else {
			token = c.Query("token")
		}
		if token == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing token")
			return
		}

		uid, err := auth.ParseJWT(token, secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

// OptionalAuth sets the user when a valid bearer token is present and lets
// every request through either way.
func OptionalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if uid, err := auth.ParseJWT(strings.TrimSpace(token), secret); err == nil {
				c.Set(UserIDKey, uid)
			}
		}
		c.Next()
	}
}

// UserID returns the authenticated user set by AuthRequired or OptionalAuth.
func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
