package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jobkr/chat-backend/internal/chat"
	"github.com/redis/go-redis/v9"
)

const (
	roomKeyPrefix      = "chat:room:"
	userRoomsKeyPrefix = "user:chatrooms:"
	activeRoomsKey     = "chat:rooms:active"

	roomTTL = 24 * time.Hour
)

// Store keeps room documents in Redis with a TTL; rooms are cheap,
// recreatable state, only messages are durable.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewWithClient is for tests (miniredis).
func NewWithClient(c *redis.Client) *Store {
	return &Store{rdb: c}
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) SaveRoom(ctx context.Context, room *chat.Room) error {
	b, err := json.Marshal(room)
	if err != nil {
		return err
	}

	if err := s.rdb.Set(ctx, roomKeyPrefix+room.RoomID, b, roomTTL).Err(); err != nil {
		return err
	}

	userKey := userRoomsKeyPrefix + room.UserID
	if err := s.rdb.SAdd(ctx, userKey, room.RoomID).Err(); err != nil {
		return err
	}
	if err := s.rdb.Expire(ctx, userKey, roomTTL).Err(); err != nil {
		return err
	}

	if room.Status == chat.RoomActive {
		return s.rdb.SAdd(ctx, activeRoomsKey, room.RoomID).Err()
	}
	return s.rdb.SRem(ctx, activeRoomsKey, room.RoomID).Err()
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (*chat.Room, error) {
	b, err := s.rdb.Get(ctx, roomKeyPrefix+roomID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, chat.ErrRoomNotFound
		}
		return nil, err
	}

	var room chat.Room
	if err := json.Unmarshal(b, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Store) ListRoomsByUser(ctx context.Context, userID string) ([]chat.Room, error) {
	ids, err := s.rdb.SMembers(ctx, userRoomsKeyPrefix+userID).Result()
	if err != nil {
		return nil, err
	}

	rooms := make([]chat.Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.GetRoom(ctx, id)
		if errors.Is(err, chat.ErrRoomNotFound) {
			// expired document; drop the stale index entry
			_ = s.rdb.SRem(ctx, userRoomsKeyPrefix+userID, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, nil
}

func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, chat.ErrRoomNotFound) {
			return nil
		}
		return err
	}

	if err := s.rdb.SRem(ctx, userRoomsKeyPrefix+room.UserID, roomID).Err(); err != nil {
		return err
	}
	if err := s.rdb.SRem(ctx, activeRoomsKey, roomID).Err(); err != nil {
		return err
	}
	return s.rdb.Del(ctx, roomKeyPrefix+roomID).Err()
}
