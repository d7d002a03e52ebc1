package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ContextUserRefKey = "user_ref"
	contextClaimsKey  = "jwt_claims"
)

// Middleware admits requests carrying a valid bearer token and stores the
// subject under ContextUserRefKey.
func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || strings.TrimSpace(claims.Subject) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextUserRefKey, strings.TrimSpace(claims.Subject))
		c.Set(contextClaimsKey, claims)
		c.Next()
	}
}

func UserRef(c *gin.Context) string {
	return c.GetString(ContextUserRefKey)
}

func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(contextClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
