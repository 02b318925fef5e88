package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"go.uber.org/zap"
)

type chatReq struct {
	Content string `json:"content"`
	Stream  bool   `json:"stream"`
}

func streamRequested(c *gin.Context, body bool) bool {
	switch strings.ToLower(strings.TrimSpace(c.Query("stream"))) {
	case "1", "true", "yes":
		return true
	}
	return body
}

// Chat runs one turn. Errors raised before the turn starts (validation,
// unknown session, busy session) are plain JSON in both modes; once a
// stream has started, failures are reported inside it.
func (h *Handler) Chat(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "invalid json")
		return
	}

	ctx := c.Request.Context()
	turn, err := h.ChatSvc.BeginTurn(ctx, c.Param("id"), req.Content)
	if err != nil {
		common.FailErr(c, h.Log, err)
		return
	}
	defer turn.Close()

	log := h.Log.With(
		zap.String("session_id", turn.Session().ID),
		zap.Uint64("user_message_id", turn.UserMessage().ID),
		zap.String("request_id", common.RequestID(c)),
	)
	stream := streamRequested(c, req.Stream)
	log.Debug("turn started", zap.Bool("stream", stream), zap.Int("context_messages", len(turn.Messages())))

	if !stream {
		msg, err := turn.Complete(ctx)
		if err != nil {
			common.FailErr(c, h.Log, err)
			return
		}
		common.OK(c, http.StatusOK, gin.H{"assistant": msg.Content})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: c.Writer, flusher: flusher}
	if _, err := turn.Stream(ctx, sink); err != nil {
		log.Info("stream ended with error", zap.Error(err))
	}
}

// sseSink frames turn output as server-sent events:
// data: {"delta":...}, data: {"error":...} and a final data: [DONE].
type sseSink struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) event(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Delta(fragment string) error {
	return s.event(gin.H{"delta": fragment})
}

func (s *sseSink) Error(message string) error {
	return s.event(gin.H{"error": message})
}

func (s *sseSink) Done() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
