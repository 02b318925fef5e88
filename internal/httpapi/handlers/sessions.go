package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

type createSessionReq struct {
	Title              string `json:"title"`
	CustomInstructions string `json:"custom_instructions"`
}

func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.ChatSvc.ListSessions(c.Request.Context())
	if err != nil {
		common.FailErr(c, h.Log, err)
		return
	}
	common.OK(c, http.StatusOK, sessions)
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionReq
	// an empty body creates an untitled session
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		common.Fail(c, http.StatusBadRequest, "invalid json")
		return
	}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), req.Title, req.CustomInstructions)
	if err != nil {
		common.FailErr(c, h.Log, err)
		return
	}
	common.OK(c, http.StatusCreated, sess)
}

func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.ChatSvc.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.FailErr(c, h.Log, err)
		return
	}
	common.OK(c, http.StatusOK, sess)
}

// pointer fields tell an absent key from an empty string
type patchSessionReq struct {
	Title              *string `json:"title"`
	CustomInstructions *string `json:"custom_instructions"`
}

func (h *Handler) UpdateSession(c *gin.Context) {
	var req patchSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "invalid json")
		return
	}

	sess, err := h.ChatSvc.UpdateSession(c.Request.Context(), c.Param("id"), chat.SessionPatch{
		Title:              req.Title,
		CustomInstructions: req.CustomInstructions,
	})
	if err != nil {
		common.FailErr(c, h.Log, err)
		return
	}
	common.OK(c, http.StatusOK, sess)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.ChatSvc.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		common.FailErr(c, h.Log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.FailErr(c, h.Log, err)
		return
	}
	common.OK(c, http.StatusOK, msgs)
}

type appendMessageReq struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *Handler) AppendMessage(c *gin.Context) {
	var req appendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "invalid json")
		return
	}

	msg, err := h.ChatSvc.AppendMessage(c.Request.Context(), c.Param("id"), chat.Role(req.Role), req.Content)
	if err != nil {
		common.FailErr(c, h.Log, err)
		return
	}
	common.OK(c, http.StatusCreated, msg)
}
