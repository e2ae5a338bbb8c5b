package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/brightpath/contentgen/internal/common"
)

const RequestIDHeader = "X-Request-ID"

// RequestID echoes the caller's request id or mints one, so every log line
// and response can be tied back to a single submission.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			rid = common.NewCorrelationID()
		}
		c.Set("request_id", rid)
		c.Writer.Header().Set(RequestIDHeader, rid)
		c.Next()
	}
}

// Recovery converts panics into the standard error envelope instead of
// gin's default plain-text 500.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				common.Fail(c, http.StatusInternalServerError, 50000, "internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
