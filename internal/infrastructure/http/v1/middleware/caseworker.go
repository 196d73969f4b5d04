package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	appctx "issuance/internal/core/context"
)

const (
	HeaderCaseworkerID   = "X-Caseworker-ID"
	HeaderCaseworkerName = "X-Caseworker-Name"
)

// Caseworker records the acting case worker, as asserted by the upstream
// gateway, for the audit trail. Requests without one act as "system".
func Caseworker() gin.HandlerFunc {
	return func(c *gin.Context) {
		if cwID := strings.TrimSpace(c.GetHeader(HeaderCaseworkerID)); cwID != "" {
			ctx := appctx.WithCaseworker(c.Request.Context(), &appctx.Caseworker{
				ID:   cwID,
				Name: strings.TrimSpace(c.GetHeader(HeaderCaseworkerName)),
			})
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}
