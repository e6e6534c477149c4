package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jobkr/chat-backend/internal/chat"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func testRoom(roomID, userID string) *chat.Room {
	return &chat.Room{
		RoomID: roomID,
		UserID: userID,
		Mbti:   "INTJ",
		Resume: &chat.ResumeInfo{
			CareerSummary: "3 years backend",
			JobRole:       "server engineer",
		},
		Status:    chat.RoomActive,
		CreatedAt: time.Now().Truncate(time.Second),
	}
}

func TestSaveAndGetRoom(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	room := testRoom("room-1", "u1")
	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RoomID != room.RoomID || got.UserID != room.UserID || got.Mbti != "INTJ" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.Resume == nil || got.Resume.JobRole != "server engineer" {
		t.Fatalf("resume lost in roundtrip: %+v", got.Resume)
	}

	// room documents must carry a TTL
	if ttl := mr.TTL(roomKeyPrefix + "room-1"); ttl <= 0 || ttl > roomTTL {
		t.Fatalf("unexpected room ttl %v", ttl)
	}
}

func TestGetRoom_Missing(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.GetRoom(context.Background(), "nope")
	if !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestListRoomsByUser_DropsExpiredEntries(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveRoom(ctx, testRoom("room-1", "u1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveRoom(ctx, testRoom("room-2", "u1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveRoom(ctx, testRoom("room-3", "u2")); err != nil {
		t.Fatalf("save: %v", err)
	}

	// simulate TTL expiry of one document while the index entry lingers
	mr.Del(roomKeyPrefix + "room-2")

	rooms, err := s.ListRoomsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rooms) != 1 || rooms[0].RoomID != "room-1" {
		t.Fatalf("expected only room-1, got %+v", rooms)
	}

	// the stale index entry is gone; listing again stays clean
	rooms, err = s.ListRoomsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("second list: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("stale entry must be pruned, got %+v", rooms)
	}
}

func TestDeleteRoom(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveRoom(ctx, testRoom("room-1", "u1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.DeleteRoom(ctx, "room-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.GetRoom(ctx, "room-1"); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("expected room gone, got %v", err)
	}
	rooms, err := s.ListRoomsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rooms) != 0 {
		t.Fatalf("expected empty listing, got %+v", rooms)
	}

	// deleting again is a no-op
	if err := s.DeleteRoom(ctx, "room-1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}
