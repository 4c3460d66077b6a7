package chat

import (
	"context"
	"time"
)

// Routing keys published on the domain event bus.
const (
	EventSessionOpened    = "session.opened"
	EventSessionClosed    = "session.closed"
	EventSummaryCompleted = "summary.completed"
	EventSummaryFailed    = "summary.failed"
	EventRoomArchived     = "room.archived"
)

// EventSink receives domain events. Publishing is best-effort: callers log failures and move on.
type EventSink interface {
	Publish(ctx context.Context, orgID uint64, routingKey string, payload any) error
}

type nopSink struct{}

func (nopSink) Publish(context.Context, uint64, string, any) error { return nil }

type SessionEvent struct {
	SessionID    string      `json:"session_id"`
	RoomID       uint64      `json:"room_id"`
	Status       string      `json:"status"`
	CloseReason  CloseReason `json:"close_reason,omitempty"`
	MessageCount int         `json:"message_count"`
	At           time.Time   `json:"at"`
}

type SummaryEvent struct {
	SessionID string    `json:"session_id"`
	SummaryID uint64    `json:"summary_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
