package handlers

import (
	"github.com/jobkr/chat-backend/internal/chat"
	"github.com/jobkr/chat-backend/internal/config"
	"github.com/jobkr/chat-backend/internal/relay"
)

type Handler struct {
	Cfg      config.Config
	ChatSvc  *chat.Service
	Registry *relay.Registry
}

func NewHandler(cfg config.Config, svc *chat.Service, registry *relay.Registry) *Handler {
	return &Handler{Cfg: cfg, ChatSvc: svc, Registry: registry}
}
