package handlers

import (
	"context"

	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"go.uber.org/zap"
)

// JobPublisher enqueues a job id for the worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	Cfg     config.Config
	ChatSvc *chat.Service
	Jobs    JobPublisher // nil when async turns are disabled
	Log     *zap.Logger
}

func NewHandler(cfg config.Config, svc *chat.Service, jobs JobPublisher, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Cfg: cfg, ChatSvc: svc, Jobs: jobs, Log: log}
}
