package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jobkr/chat-backend/internal/chat"
	"github.com/jobkr/chat-backend/internal/common"
	"github.com/jobkr/chat-backend/internal/httpapi/middleware"
	"github.com/jobkr/chat-backend/internal/prompt"
	"github.com/jobkr/chat-backend/internal/relay"
	"gorm.io/gorm"
)

func userIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

type startRoomReq struct {
	Mbti   string           `json:"mbti"`
	Resume *chat.ResumeInfo `json:"resume"`
}

func (h *Handler) StartChatRoom(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req startRoomReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	room, err := h.ChatSvc.StartRoom(c.Request.Context(), uid, req.Mbti, req.Resume)
	if err != nil {
		log.Printf("[StartChatRoom] failed user_id=%s err=%v", uid, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create room")
		return
	}

	common.OK(c, gin.H{
		"room_id":  room.RoomID,
		"greeting": prompt.Greeting,
	})
}

func (h *Handler) ListChatRooms(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	rooms, err := h.ChatSvc.ListRooms(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list rooms")
		return
	}
	common.OK(c, gin.H{"rooms": rooms})
}

func (h *Handler) EndChatRoom(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	roomID := c.Param("room_id")

	if err := h.ChatSvc.EndRoom(c.Request.Context(), uid, roomID); err != nil {
		if errors.Is(err, chat.ErrRoomNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "room not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	h.Registry.Close(roomID, "room ended")
	common.OK(c, gin.H{"room_id": roomID})
}

type sendTurnReq struct {
	Message string `json:"message" binding:"required"`
}

// SendChatTurn accepts a user turn and returns immediately with the
// correlation id; the answer arrives on the room's push channel.
func (h *Handler) SendChatTurn(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	roomID := c.Param("room_id")

	var req sendTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	correlationID, err := h.ChatSvc.SubmitTurn(c.Request.Context(), uid, roomID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrRoomNotFound):
			common.Fail(c, http.StatusNotFound, 40401, "room not found")
		case errors.Is(err, chat.ErrPublish):
			log.Printf("[SendChatTurn] enqueue failed user_id=%s room_id=%s err=%v", uid, roomID, err)
			common.Fail(c, http.StatusBadGateway, 50002, "enqueue failed")
		default:
			log.Printf("[SendChatTurn] failed user_id=%s room_id=%s err=%v", uid, roomID, err)
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"code":    0,
		"message": "accepted",
		"data":    gin.H{"room_id": roomID, "correlation_id": correlationID},
	})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	roomID := c.Param("room_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if v := c.Query("before_id"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, total, err := h.ChatSvc.History(c.Request.Context(), uid, roomID, limit, beforeID)
	if err != nil {
		if errors.Is(err, chat.ErrRoomNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "room not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"total":          total,
		"next_before_id": nextBeforeID,
	})
}

func (h *Handler) GetGeneration(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	id := c.Param("correlation_id")
	if id == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "correlation_id required")
		return
	}

	g, err := h.ChatSvc.GetGeneration(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "generation not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if g.UserID != uid {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "generation not found")
		return
	}

	common.OK(c, gin.H{
		"generation": gin.H{
			"correlation_id":    g.ID,
			"room_id":           g.RoomID,
			"status":            g.Status,
			"result_message_id": g.ResultMessageID,
			"error":             g.Error,
			"created_at":        g.CreatedAt,
			"updated_at":        g.UpdatedAt,
		},
	})
}

// StreamChatRoom opens the room's push channel and pumps relay events to
// the client as server-sent events until the client goes away or the
// channel is evicted.
func (h *Handler) StreamChatRoom(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	roomID := c.Param("room_id")

	if _, err := h.ChatSvc.GetOwnedRoom(c.Request.Context(), uid, roomID); err != nil {
		if errors.Is(err, chat.ErrRoomNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "room not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	ch, _ := h.Registry.Open(roomID)
	if err := ch.Claim(); err != nil {
		common.Fail(c, http.StatusConflict, 40901, "stream already open for this room")
		return
	}
	// from here this connection owns the channel; close by handle so a
	// reconnect that already replaced it is left alone
	defer h.Registry.CloseChannel(ch, "client disconnected")

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"streaming unsupported\"}\n\n")
		return
	}

	writeEvent := func(ev relay.Event) bool {
		b, err := json.Marshal(ev)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return true
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// initial frame so proxies commit the stream
	if !writeEvent(relay.Event{Type: relay.EventPing}) {
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case ev := <-ch.Events():
			if !writeEvent(ev) {
				return
			}
		case <-ch.Done():
			// evicted by sweeper or max lifetime
			return
		case <-ctx.Done():
			return
		}
	}
}
