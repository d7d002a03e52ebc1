package apikey

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderName         = "X-API-Key"
	ContextOperatorKey = "operator"
)

// Middleware admits requests carrying a key that matches one of records and
// holds scope. The matched record's operator is stored in the gin context.
func Middleware(records []Record, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderName))
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing api key"})
			return
		}
		record, err := Match(key, records, c.ClientIP())
		if err != nil {
			status, code := http.StatusUnauthorized, "UNAUTHORIZED"
			if errors.Is(err, ErrIPNotAllowed) {
				status, code = http.StatusForbidden, "FORBIDDEN"
			}
			c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
			return
		}
		if scope != "" && !record.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": ErrMissingScope.Error()})
			return
		}
		c.Set(ContextOperatorKey, record.Operator)
		c.Next()
	}
}
