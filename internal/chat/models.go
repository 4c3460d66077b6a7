package chat

import (
	"time"

	"gorm.io/datatypes"
)

type RoomKind string

const (
	RoomIndividual RoomKind = "individual"
	RoomGroup      RoomKind = "group"
)

func (k RoomKind) Valid() bool {
	return k == RoomIndividual || k == RoomGroup
}

type Room struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrganizationID uint64     `gorm:"not null;uniqueIndex:uniq_room_external,priority:1" json:"organization_id"`
	ExternalRoomID string     `gorm:"type:varchar(64);not null;uniqueIndex:uniq_room_external,priority:2" json:"external_room_id"`
	Name           string     `gorm:"type:varchar(255)" json:"name"`
	Kind           RoomKind   `gorm:"type:varchar(16);not null" json:"kind"`
	MessageCount   int        `gorm:"not null;default:0" json:"message_count"`
	SessionCount   int        `gorm:"not null;default:0" json:"session_count"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	IsActive       bool       `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (Room) TableName() string { return "rooms" }

func (r *Room) OrgID() uint64 { return r.OrganizationID }

type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionClosed      SessionStatus = "closed"
	SessionSummarizing SessionStatus = "summarizing"
)

type CloseReason string

const (
	CloseMessageLimit CloseReason = "message_limit"
	CloseTimeout      CloseReason = "timeout"
	CloseManual       CloseReason = "manual"
	CloseRoomArchived CloseReason = "room_archived"
)

type ChatSession struct {
	ID             uint64        `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID      string        `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	OrganizationID uint64        `gorm:"not null;index:idx_session_org_room,priority:1" json:"organization_id"`
	RoomID         uint64        `gorm:"not null;index:idx_session_org_room,priority:2" json:"room_id"`
	Status         SessionStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	StartTime      time.Time     `gorm:"not null" json:"start_time"`
	EndTime        *time.Time    `json:"end_time"`
	// MessageCount is a display hint. Closure decisions count the messages table.
	MessageCount int         `gorm:"not null;default:0" json:"message_count"`
	SummaryID    *uint64     `json:"summary_id,omitempty"`
	CloseReason  CloseReason `gorm:"type:varchar(16)" json:"close_reason,omitempty"`
	// SummarizingSince is set while Status is summarizing. A row left there by a crashed
	// process is recognized by its age.
	SummarizingSince *time.Time `gorm:"index" json:"-"`
	// ActiveRoomID equals RoomID while the session is active and is NULL otherwise.
	// Its unique index enforces one active session per room.
	ActiveRoomID *uint64   `gorm:"uniqueIndex" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (ChatSession) TableName() string { return "chat_sessions" }

func (s *ChatSession) OrgID() uint64 { return s.OrganizationID }

type Direction string

const (
	DirectionUser   Direction = "user"
	DirectionBot    Direction = "bot"
	DirectionSystem Direction = "system"
)

type Message struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID         string    `gorm:"type:varchar(26);not null;index" json:"session_id"`
	OrganizationID    uint64    `gorm:"not null;index" json:"organization_id"`
	RoomID            uint64    `gorm:"not null;index:uniq_msg_external,unique,priority:1" json:"room_id"`
	Direction         Direction `gorm:"type:varchar(16);not null" json:"direction"`
	ContentType       string    `gorm:"type:varchar(32);not null" json:"content_type"`
	Content           string    `gorm:"type:text;not null" json:"content"`
	ObjectKey         string    `gorm:"type:varchar(255)" json:"object_key,omitempty"`
	ExternalMessageID *string   `gorm:"type:varchar(64);index:uniq_msg_external,unique,priority:2" json:"external_message_id,omitempty"`
	SenderID          string    `gorm:"type:varchar(64)" json:"sender_id"`
	SenderName        string    `gorm:"type:varchar(255)" json:"sender_name"`
	Timestamp         time.Time `gorm:"index" json:"timestamp"`
	CreatedAt         time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

type SummaryStatus string

const (
	SummaryProcessing SummaryStatus = "processing"
	SummaryCompleted  SummaryStatus = "completed"
	SummaryFailed     SummaryStatus = "failed"
)

type Summary struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string         `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	OrganizationID uint64         `gorm:"not null;index" json:"organization_id"`
	Content        string         `gorm:"type:text" json:"content"`
	KeyTopics      datatypes.JSON `json:"key_topics"`
	Provider       string         `gorm:"type:varchar(32)" json:"provider"`
	Model          string         `gorm:"type:varchar(64)" json:"model"`
	MessageCount   int            `gorm:"not null;default:0" json:"message_count"`
	DurationMs     int64          `json:"duration_ms"`
	Status         SummaryStatus  `gorm:"type:varchar(16);index;not null" json:"status"`
	Error          *string        `gorm:"type:text" json:"error,omitempty"`
	Attempts       int            `gorm:"not null;default:0" json:"attempts"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Summary) TableName() string { return "summaries" }

// IncomingMessage is one inbound unit of conversation handed to the Manager.
type IncomingMessage struct {
	ExternalMessageID string
	SenderID          string
	SenderName        string
	Direction         Direction
	ContentType       string
	Content           string
	ObjectKey         string
	Timestamp         time.Time
}

// AllModels lists every table owned by this package, for migrations.
func AllModels() []any {
	return []any{&Room{}, &ChatSession{}, &Message{}, &Summary{}, &Job{}}
}
