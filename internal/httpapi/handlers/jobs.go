package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"go.uber.org/zap"
)

type asyncChatReq struct {
	Content string `json:"content"`
}

// SubmitChatAsync queues a buffered turn. A repeated Idempotency-Key returns
// the job created by the first request and publishes nothing.
func (h *Handler) SubmitChatAsync(c *gin.Context) {
	var req asyncChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))

	ctx := c.Request.Context()
	job, created, err := h.ChatSvc.SubmitAsync(ctx, c.Param("id"), req.Content, key)
	if err != nil {
		common.FailErr(c, h.Log, err)
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Jobs.PublishJob(context.WithoutCancel(ctx), job.ID); err != nil {
			h.Log.Error("publish job",
				zap.String("job_id", job.ID),
				zap.String("session_id", job.SessionID),
				zap.Error(err),
			)
			common.Fail(c, http.StatusServiceUnavailable, "enqueue failed")
			return
		}
	}

	common.OK(c, http.StatusAccepted, gin.H{"job_id": job.ID})
}

func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.ChatSvc.GetJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		common.FailErr(c, h.Log, err)
		return
	}
	common.OK(c, http.StatusOK, job)
}
