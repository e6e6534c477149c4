package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jobkr/chat-backend/internal/chat"
	"github.com/jobkr/chat-backend/internal/common"
	"github.com/jobkr/chat-backend/internal/config"
	"github.com/jobkr/chat-backend/internal/httpapi/handlers"
	"github.com/jobkr/chat-backend/internal/httpapi/middleware"
	"github.com/jobkr/chat-backend/internal/relay"
)

func NewRouter(cfg config.Config, svc *chat.Service, registry *relay.Registry) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(cfg, svc, registry)

	r.GET("/ping", h.Ping)

	// Chat (JWT required)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.POST("/chat/rooms", h.StartChatRoom)
	authGroup.GET("/chat/rooms", h.ListChatRooms)
	authGroup.DELETE("/chat/rooms/:room_id", h.EndChatRoom)
	authGroup.GET("/chat/rooms/:room_id/stream", h.StreamChatRoom)
	authGroup.POST("/chat/rooms/:room_id/messages", h.SendChatTurn)
	authGroup.GET("/chat/rooms/:room_id/messages", h.ListChatMessages)
	authGroup.GET("/chat/generations/:correlation_id", h.GetGeneration)

	return r
}
