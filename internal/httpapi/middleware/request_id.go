package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

const RequestIDHeader = "X-Request-ID"

// RequestID keeps a caller supplied X-Request-ID, otherwise assigns a ULID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" || len(rid) > 128 {
			rid = ulid.Make().String()
		}
		c.Set(common.RequestIDKey, rid)
		c.Header(RequestIDHeader, rid)
		c.Next()
	}
}
