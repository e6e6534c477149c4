package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jobkr/chat-backend/internal/ai"
	"github.com/jobkr/chat-backend/internal/common"
	"github.com/jobkr/chat-backend/internal/store/rabbitmq"
)

var (
	ErrRoomNotFound = errors.New("room not found")

	// ErrPublish marks a turn that was stored but never made it onto the
	// bus; no terminal event will ever arrive, so the caller must surface
	// the failure immediately.
	ErrPublish = errors.New("publish generation request failed")
)

// RoomStore is the room directory (Redis in production).
type RoomStore interface {
	SaveRoom(ctx context.Context, room *Room) error
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	ListRoomsByUser(ctx context.Context, userID string) ([]Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// RequestPublisher puts an accepted turn on the generation queue.
type RequestPublisher interface {
	PublishRequest(ctx context.Context, req rabbitmq.GenerationRequest) error
}

type Service struct {
	repo              *Repo
	rooms             RoomStore
	pub               RequestPublisher
	contextWindowSize int
}

func NewService(repo *Repo, rooms RoomStore, pub RequestPublisher, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{repo: repo, rooms: rooms, pub: pub, contextWindowSize: contextWindowSize}
}

func (s *Service) StartRoom(ctx context.Context, userID, mbti string, resume *ResumeInfo) (*Room, error) {
	room := &Room{
		RoomID:    uuid.NewString(),
		UserID:    userID,
		Mbti:      strings.ToUpper(strings.TrimSpace(mbti)),
		Resume:    resume,
		Status:    RoomActive,
		CreatedAt: time.Now(),
	}
	if err := s.rooms.SaveRoom(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// ownedRoom hides rooms belonging to other users behind not-found.
func (s *Service) ownedRoom(ctx context.Context, userID, roomID string) (*Room, error) {
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.UserID != userID {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

func (s *Service) GetOwnedRoom(ctx context.Context, userID, roomID string) (*Room, error) {
	return s.ownedRoom(ctx, userID, roomID)
}

func (s *Service) ListRooms(ctx context.Context, userID string) ([]Room, error) {
	return s.rooms.ListRoomsByUser(ctx, userID)
}

func (s *Service) EndRoom(ctx context.Context, userID, roomID string) error {
	if _, err := s.ownedRoom(ctx, userID, roomID); err != nil {
		return err
	}
	return s.rooms.DeleteRoom(ctx, roomID)
}

// SubmitTurn is the request-publisher path: store the user turn first
// (history stays consistent even if generation later fails), then publish
// the correlated generation request and return without waiting for any
// response.
func (s *Service) SubmitTurn(ctx context.Context, userID, roomID, content string) (correlationID string, err error) {
	if _, err := s.ownedRoom(ctx, userID, roomID); err != nil {
		return "", err
	}

	correlationID, err = common.NewULID()
	if err != nil {
		return "", err
	}

	if err := s.repo.InsertMessage(ctx, &Message{
		RoomID:        roomID,
		UserID:        userID,
		Role:          "user",
		Content:       content,
		CorrelationID: &correlationID,
	}); err != nil {
		return "", err
	}

	if err := s.repo.CreateGeneration(ctx, &Generation{
		ID:     correlationID,
		RoomID: roomID,
		UserID: userID,
		Prompt: content,
		Status: GenQueued,
	}); err != nil {
		return "", err
	}

	if err := s.pub.PublishRequest(ctx, rabbitmq.GenerationRequest{
		CorrelationID: correlationID,
		RoomID:        roomID,
		UserID:        userID,
		Prompt:        content,
	}); err != nil {
		// no terminal event will come; record the failure and tell the caller
		_ = s.repo.MarkGenerationFailed(ctx, correlationID, err.Error())
		return "", fmt.Errorf("%w: %v", ErrPublish, err)
	}

	return correlationID, nil
}

// History returns a page of messages (newest first) plus the room's total
// message count for client-side pagination.
func (s *Service) History(ctx context.Context, userID, roomID string, limit int, beforeID uint64) ([]Message, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if _, err := s.ownedRoom(ctx, userID, roomID); err != nil {
		return nil, 0, err
	}
	msgs, err := s.repo.ListMessages(ctx, userID, roomID, limit, beforeID)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.CountMessages(ctx, userID, roomID)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// RecentContext builds the provider conversation window, oldest first.
// Satisfies the relay generator's Store interface.
func (s *Service) RecentContext(ctx context.Context, userID, roomID string) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, userID, roomID, s.contextWindowSize)
	if err != nil {
		return nil, err
	}

	msgs := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		msgs = append(msgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	return msgs, nil
}

func (s *Service) ClaimGeneration(ctx context.Context, correlationID string, staleAfter time.Duration) (bool, error) {
	return s.repo.ClaimGeneration(ctx, correlationID, staleAfter)
}

func (s *Service) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	return s.rooms.GetRoom(ctx, roomID)
}

func (s *Service) GetGeneration(ctx context.Context, correlationID string) (*Generation, error) {
	return s.repo.GetGeneration(ctx, correlationID)
}

// RecordResponse is the persister path for a success terminal event:
// append the assistant message idempotently, then settle the generation.
func (s *Service) RecordResponse(ctx context.Context, resp rabbitmq.GenerationResponse) error {
	corr := resp.CorrelationID
	msg := &Message{
		RoomID:        resp.RoomID,
		UserID:        resp.UserID,
		Role:          "assistant",
		Content:       resp.Content,
		CorrelationID: &corr,
	}
	stored, created, err := s.repo.InsertMessageIdempotent(ctx, msg)
	if err != nil {
		return err
	}
	if !created {
		// broker redelivery; the message is already there
		return nil
	}
	return s.repo.MarkGenerationSucceeded(ctx, corr, stored.ID)
}

// RecordError settles a failure terminal event. The error is appended to
// history as its own message so a reconnecting client sees the outcome.
func (s *Service) RecordError(ctx context.Context, e rabbitmq.GenerationError) error {
	corr := e.CorrelationID
	msg := &Message{
		RoomID:        e.RoomID,
		UserID:        e.UserID,
		Role:          "error",
		Content:       e.Error,
		CorrelationID: &corr,
	}
	if _, created, err := s.repo.InsertMessageIdempotent(ctx, msg); err != nil {
		return err
	} else if !created {
		return nil
	}
	return s.repo.MarkGenerationFailed(ctx, corr, e.Error)
}
