package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(h.Log))
	r.Use(middleware.Recovery(h.Log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, "method not allowed")
	})

	api := r.Group("/api")
	api.GET("/health/", h.Health)

	api.GET("/sessions/", h.ListSessions)
	api.POST("/sessions/", h.CreateSession)
	api.GET("/sessions/:id/", h.GetSession)
	api.PATCH("/sessions/:id/", h.UpdateSession)
	api.DELETE("/sessions/:id/", h.DeleteSession)
	api.GET("/sessions/:id/messages/", h.ListMessages)
	api.POST("/sessions/:id/messages/", h.AppendMessage)
	api.POST("/sessions/:id/chat/", h.Chat)

	// async turns need a queue
	if h.Jobs != nil {
		api.POST("/sessions/:id/chat/async/", h.SubmitChatAsync)
		api.GET("/jobs/:job_id/", h.GetJob)
	}
	return r
}
