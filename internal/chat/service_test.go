package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jobkr/chat-backend/internal/store/rabbitmq"
)

type memRoomStore struct {
	rooms map[string]*Room
}

func newMemRoomStore() *memRoomStore {
	return &memRoomStore{rooms: make(map[string]*Room)}
}

func (s *memRoomStore) SaveRoom(ctx context.Context, room *Room) error {
	_ = ctx
	cp := *room
	s.rooms[room.RoomID] = &cp
	return nil
}

func (s *memRoomStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	_ = ctx
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memRoomStore) ListRoomsByUser(ctx context.Context, userID string) ([]Room, error) {
	_ = ctx
	var out []Room
	for _, r := range s.rooms {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memRoomStore) DeleteRoom(ctx context.Context, roomID string) error {
	_ = ctx
	delete(s.rooms, roomID)
	return nil
}

type recordingPublisher struct {
	requests []rabbitmq.GenerationRequest
	fail     error
}

func (p *recordingPublisher) PublishRequest(ctx context.Context, req rabbitmq.GenerationRequest) error {
	_ = ctx
	if p.fail != nil {
		return p.fail
	}
	p.requests = append(p.requests, req)
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Message{}, &Generation{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, pub RequestPublisher) (*Service, *memRoomStore, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	rooms := newMemRoomStore()
	return NewService(NewRepo(db), rooms, pub, 20), rooms, db
}

func TestSubmitTurn_StoresTurnAndPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _, db := newTestService(t, pub)

	room, err := svc.StartRoom(context.Background(), "u1", "intj", nil)
	if err != nil {
		t.Fatalf("start room: %v", err)
	}

	corr, err := svc.SubmitTurn(context.Background(), "u1", room.RoomID, "Hello")
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}
	if len(corr) != 26 {
		t.Fatalf("expected 26-char correlation id, got %q", corr)
	}

	var msgs []Message
	if err := db.Where("room_id = ?", room.RoomID).Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "Hello" {
		t.Fatalf("unexpected user msg: role=%q content=%q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[0].CorrelationID == nil || *msgs[0].CorrelationID != corr {
		t.Fatalf("user msg not tagged with correlation id")
	}

	g, err := svc.GetGeneration(context.Background(), corr)
	if err != nil {
		t.Fatalf("get generation: %v", err)
	}
	if g.Status != GenQueued {
		t.Fatalf("expected queued generation, got %q", g.Status)
	}

	if len(pub.requests) != 1 {
		t.Fatalf("expected 1 published request, got %d", len(pub.requests))
	}
	req := pub.requests[0]
	if req.CorrelationID != corr || req.RoomID != room.RoomID || req.UserID != "u1" || req.Prompt != "Hello" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestSubmitTurn_PublishFailure(t *testing.T) {
	pub := &recordingPublisher{fail: errors.New("broker down")}
	svc, _, db := newTestService(t, pub)

	room, err := svc.StartRoom(context.Background(), "u1", "ENFP", nil)
	if err != nil {
		t.Fatalf("start room: %v", err)
	}

	_, err = svc.SubmitTurn(context.Background(), "u1", room.RoomID, "Hello")
	if !errors.Is(err, ErrPublish) {
		t.Fatalf("expected ErrPublish, got %v", err)
	}

	// the turn is stored either way; the generation must be settled as failed
	var g Generation
	if err := db.First(&g).Error; err != nil {
		t.Fatalf("query generation: %v", err)
	}
	if g.Status != GenFailed {
		t.Fatalf("expected failed generation, got %q", g.Status)
	}
	if g.Error == nil || *g.Error == "" {
		t.Fatalf("expected failure reason to be recorded")
	}
}

func TestOwnership_HiddenBehindNotFound(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _, _ := newTestService(t, pub)

	room, err := svc.StartRoom(context.Background(), "u1", "INTJ", nil)
	if err != nil {
		t.Fatalf("start room: %v", err)
	}

	if _, err := svc.SubmitTurn(context.Background(), "u2", room.RoomID, "hi"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound for foreign room, got %v", err)
	}
	if _, _, err := svc.History(context.Background(), "u2", room.RoomID, 10, 0); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound for foreign history, got %v", err)
	}
	if err := svc.EndRoom(context.Background(), "u2", room.RoomID); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound for foreign end, got %v", err)
	}
}

func TestRecordResponse_IdempotentOnRedelivery(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _, db := newTestService(t, pub)

	room, err := svc.StartRoom(context.Background(), "u1", "INTJ", nil)
	if err != nil {
		t.Fatalf("start room: %v", err)
	}
	corr, err := svc.SubmitTurn(context.Background(), "u1", room.RoomID, "Hello")
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}

	resp := rabbitmq.GenerationResponse{
		CorrelationID: corr,
		RoomID:        room.RoomID,
		UserID:        "u1",
		Content:       "Nice to meet you",
		TimestampMS:   time.Now().UnixMilli(),
	}
	if err := svc.RecordResponse(context.Background(), resp); err != nil {
		t.Fatalf("record response: %v", err)
	}
	// broker redelivery of the same terminal event
	if err := svc.RecordResponse(context.Background(), resp); err != nil {
		t.Fatalf("record redelivered response: %v", err)
	}

	var n int64
	if err := db.Model(&Message{}).
		Where("room_id = ? AND role = ?", room.RoomID, "assistant").
		Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 assistant message, got %d", n)
	}

	g, err := svc.GetGeneration(context.Background(), corr)
	if err != nil {
		t.Fatalf("get generation: %v", err)
	}
	if g.Status != GenSucceeded {
		t.Fatalf("expected succeeded generation, got %q", g.Status)
	}
	if g.ResultMessageID == nil || *g.ResultMessageID == 0 {
		t.Fatalf("expected result message id to be set")
	}
}

func TestRecordError_AppendsErrorMessage(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _, db := newTestService(t, pub)

	room, err := svc.StartRoom(context.Background(), "u1", "INTJ", nil)
	if err != nil {
		t.Fatalf("start room: %v", err)
	}
	corr, err := svc.SubmitTurn(context.Background(), "u1", room.RoomID, "Hello")
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}

	e := rabbitmq.GenerationError{
		CorrelationID: corr,
		RoomID:        room.RoomID,
		UserID:        "u1",
		Error:         "provider timeout",
	}
	if err := svc.RecordError(context.Background(), e); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if err := svc.RecordError(context.Background(), e); err != nil {
		t.Fatalf("record redelivered error: %v", err)
	}

	var msgs []Message
	if err := db.Where("room_id = ? AND role = ?", room.RoomID, "error").Find(&msgs).Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 error message, got %d", len(msgs))
	}
	if msgs[0].Content != "provider timeout" {
		t.Fatalf("unexpected content: %q", msgs[0].Content)
	}

	g, err := svc.GetGeneration(context.Background(), corr)
	if err != nil {
		t.Fatalf("get generation: %v", err)
	}
	if g.Status != GenFailed {
		t.Fatalf("expected failed generation, got %q", g.Status)
	}
}

func TestClaimGeneration_SingleWinner(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _, _ := newTestService(t, pub)

	room, err := svc.StartRoom(context.Background(), "u1", "INTJ", nil)
	if err != nil {
		t.Fatalf("start room: %v", err)
	}
	corr, err := svc.SubmitTurn(context.Background(), "u1", room.RoomID, "Hello")
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}

	claimed, err := svc.ClaimGeneration(context.Background(), corr, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed {
		t.Fatalf("expected first claim to win")
	}

	// second delivery of the same correlation id while the first still runs
	claimed, err = svc.ClaimGeneration(context.Background(), corr, time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatalf("expected second claim to lose")
	}
}

func TestClaimGeneration_ReclaimsStaleRunning(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _, db := newTestService(t, pub)

	room, err := svc.StartRoom(context.Background(), "u1", "INTJ", nil)
	if err != nil {
		t.Fatalf("start room: %v", err)
	}
	corr, err := svc.SubmitTurn(context.Background(), "u1", room.RoomID, "Hello")
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}

	if claimed, err := svc.ClaimGeneration(context.Background(), corr, time.Minute); err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}

	// simulate a worker that crashed mid-stream: the row is stuck at
	// running with an old updated_at
	if err := db.Model(&Generation{}).Where("id = ?", corr).
		Update("updated_at", time.Now().Add(-10*time.Minute)).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	claimed, err := svc.ClaimGeneration(context.Background(), corr, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !claimed {
		t.Fatalf("stale running generation must be reclaimable")
	}

	// a settled generation is never reclaimable, stale or not
	if err := svc.RecordError(context.Background(), rabbitmq.GenerationError{
		CorrelationID: corr, RoomID: room.RoomID, UserID: "u1", Error: "boom",
	}); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if err := db.Model(&Generation{}).Where("id = ?", corr).
		Update("updated_at", time.Now().Add(-10*time.Minute)).Error; err != nil {
		t.Fatalf("backdate terminal: %v", err)
	}
	claimed, err = svc.ClaimGeneration(context.Background(), corr, time.Minute)
	if err != nil {
		t.Fatalf("claim terminal: %v", err)
	}
	if claimed {
		t.Fatalf("terminal generation must not be reclaimable")
	}
}

func TestRecentContext_WindowOrderAndRoles(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	rooms := newMemRoomStore()
	svc := NewService(repo, rooms, &recordingPublisher{}, 3)

	roomID := "room-ctx"
	seed := []struct{ role, content string }{
		{"user", "one"},
		{"assistant", "two"},
		{"error", "boom"}, // excluded from provider context
		{"user", "three"},
		{"assistant", "four"},
		{"user", "five"},
	}
	for i, m := range seed {
		if err := repo.InsertMessage(context.Background(), &Message{
			RoomID:  roomID,
			UserID:  "u1",
			Role:    m.role,
			Content: m.content,
		}); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	msgs, err := svc.RecentContext(context.Background(), "u1", roomID)
	if err != nil {
		t.Fatalf("recent context: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected window of 3, got %d", len(msgs))
	}
	want := []string{"three", "four", "five"}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Fatalf("msg %d: want %q, got %q (order must be oldest first)", i, w, msgs[i].Content)
		}
	}
	for _, m := range msgs {
		if m.Role == "error" {
			t.Fatalf("error messages must not reach the provider")
		}
	}
}
