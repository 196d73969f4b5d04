// Package middleware provides the gin middleware of the issuance API.
package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"issuance/internal/core/apperror"
	"issuance/pkg/logger"
)

// Recovery turns a panic into a 500. It runs outside ErrorHandler, whose
// deferred rendering a panic skips, so it renders the error itself.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error(c.Request.Context(), "panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
				)
				appErr := apperror.NewInternal(fmt.Errorf("panic: %v", err)).
					WithDetail("request_id", c.GetString("request_id"))
				_ = c.Error(appErr)
				c.Abort()
				if !c.Writer.Written() {
					renderError(c, appErr)
				}
			}
		}()
		c.Next()
	}
}
