package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

func (h *Handler) Health(c *gin.Context) {
	common.OK(c, http.StatusOK, gin.H{
		"status":          "ok",
		"ollama_base_url": h.Cfg.OllamaBaseURL,
		"model":           h.Cfg.OllamaModel,
		"timeout":         h.Cfg.OllamaTimeout.Seconds(),
	})
}
