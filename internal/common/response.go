package common

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"go.uber.org/zap"
)

// OK writes data as the JSON body with the given status.
func OK(c *gin.Context, status int, data any) {
	c.JSON(status, data)
}

// Fail writes the error body {"detail": ...}.
func Fail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

// FailErr maps a service error onto its HTTP status. Unknown errors are
// logged and reported as 500 without leaking their text.
func FailErr(c *gin.Context, log *zap.Logger, err error) {
	var (
		verr *chat.ValidationError
		uerr *ai.UpstreamError
	)
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": verr.Error(), "field": verr.Field})
	case errors.Is(err, chat.ErrNotFound):
		Fail(c, http.StatusNotFound, "Not found.")
	case errors.Is(err, chat.ErrSessionBusy):
		Fail(c, http.StatusConflict, "session busy, retry later")
	case errors.As(err, &uerr):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"detail": "Ollama error", "error": uerr.Error()})
	default:
		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", RequestID(c)),
			zap.Error(err),
		)
		Fail(c, http.StatusInternalServerError, "internal error")
	}
}

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

func RequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
