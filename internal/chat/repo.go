package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// InsertMessageIdempotent appends m unless a message with the same
// (correlation_id, role) already exists, in which case the existing row is
// returned. This is the idempotent-append contract for terminal events:
// broker redelivery must not duplicate stored messages.
func (r *Repo) InsertMessageIdempotent(ctx context.Context, m *Message) (*Message, bool, error) {
	if m.CorrelationID == nil || *m.CorrelationID == "" {
		if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
			return nil, false, err
		}
		return m, true, nil
	}

	err := r.db.WithContext(ctx).Create(m).Error
	if err == nil {
		return m, true, nil
	}

	var existing Message
	getErr := r.db.WithContext(ctx).
		Where("correlation_id = ? AND role = ?", *m.CorrelationID, m.Role).
		First(&existing).Error
	if getErr == nil {
		return &existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		// not a duplicate-key failure; report the original error
		return nil, false, err
	}
	return nil, false, getErr
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, userID, roomID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages in DESC id order.
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, userID, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND room_id = ? AND role IN ?", userID, roomID, []string{"user", "assistant"}).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) CountMessages(ctx context.Context, userID, roomID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		Count(&n).Error
	return n, err
}

// Generation CRUD

func (r *Repo) CreateGeneration(ctx context.Context, g *Generation) error {
	return r.db.WithContext(ctx).Create(g).Error
}

func (r *Repo) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	var g Generation
	if err := r.db.WithContext(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// ClaimGeneration flips queued -> running. claimed=false means another
// delivery of the same correlation id got here first (or the generation
// already reached a terminal status); the caller must skip the work.
//
// A running row untouched for longer than staleAfter belongs to a worker
// that crashed mid-stream; it is reclaimable, so a broker redelivery can
// still drive the request to a terminal event.
func (r *Repo) ClaimGeneration(ctx context.Context, id string, staleAfter time.Duration) (claimed bool, err error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&Generation{}).
		Where("id = ? AND (status = ? OR (status = ? AND updated_at < ?))",
			id, GenQueued, GenRunning, now.Add(-staleAfter)).
		Updates(map[string]any{"status": GenRunning, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) MarkGenerationSucceeded(ctx context.Context, id string, resultMessageID uint64) error {
	return r.db.WithContext(ctx).Model(&Generation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            GenSucceeded,
			"result_message_id": resultMessageID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkGenerationFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Generation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            GenFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}
