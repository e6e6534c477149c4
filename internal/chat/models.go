package chat

import "time"

type RoomStatus string

const (
	RoomActive RoomStatus = "active"
	RoomEnded  RoomStatus = "ended"
)

// ResumeInfo carries the candidate background used for prompt building.
type ResumeInfo struct {
	CareerSummary   string   `json:"career_summary"`
	JobRole         string   `json:"job_role"`
	TechnicalSkills []string `json:"technical_skills,omitempty"`
	Experience      string   `json:"experience,omitempty"`
}

// Room is the conversation root. Rooms live in Redis with a TTL
// (see store/redisstore); only messages are durable in MySQL.
type Room struct {
	RoomID    string      `json:"room_id"`
	UserID    string      `json:"user_id"`
	Mbti      string      `json:"mbti,omitempty"`
	Resume    *ResumeInfo `json:"resume,omitempty"`
	Status    RoomStatus  `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Message roles: user, assistant, error.
type Message struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID  string `gorm:"type:varchar(36);not null;index" json:"room_id"`
	UserID  string `gorm:"type:varchar(64);not null;index" json:"-"`
	Role    string `gorm:"type:varchar(16);not null;index:uniq_chat_msg_corr,unique,priority:2" json:"role"`
	Content string `gorm:"type:text;not null" json:"content"`

	// Correlation id of the generation this message belongs to. Unique per
	// role so a redelivered terminal event cannot append twice.
	CorrelationID *string `gorm:"type:varchar(26);index:uniq_chat_msg_corr,unique,priority:1" json:"correlation_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

type GenerationStatus string

const (
	GenQueued    GenerationStatus = "queued"
	GenRunning   GenerationStatus = "running"
	GenSucceeded GenerationStatus = "succeeded"
	GenFailed    GenerationStatus = "failed"
)

// Generation tracks one generation request from publish to terminal event.
// Its primary key is the correlation id; the queued->running claim doubles
// as the dedupe barrier for broker redelivery.
type Generation struct {
	ID string `gorm:"primaryKey;size:26"` // ULID, the correlation id

	RoomID string `gorm:"size:36;index;not null"`
	UserID string `gorm:"size:64;index;not null"`

	Prompt string `gorm:"type:text;not null"`

	Status GenerationStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResultMessageID *uint64 `gorm:"index"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Generation) TableName() string { return "chat_generations" }
