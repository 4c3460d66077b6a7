package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/common"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultMaxMessagesPerSession = 50
	defaultSessionTimeout        = 24 * time.Hour

	// attempts at the open-or-reuse decision before a conflict is reported as an error
	maxConflictRetries = 5
)

var tracer trace.Tracer = otel.Tracer("github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/chat")

type LifecycleConfig struct {
	MaxMessagesPerSession int
	SessionTimeout        time.Duration
}

// Manager owns the session state machine of every room: one active session at a time,
// closed when it reaches the message ceiling or the age ceiling.
// It keeps no session state in memory; every decision re-reads the store.
type Manager struct {
	repo       *Repo
	locker     RoomLocker
	dispatcher SummaryDispatcher
	events     EventSink
	cfg        LifecycleConfig
	now        func() time.Time
	log        *zap.Logger
}

type ManagerOption func(*Manager)

func WithLocker(l RoomLocker) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.locker = l
		}
	}
}

func WithEventSink(s EventSink) ManagerOption {
	return func(m *Manager) {
		if s != nil {
			m.events = s
		}
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(repo *Repo, dispatcher SummaryDispatcher, cfg LifecycleConfig, log *zap.Logger, opts ...ManagerOption) *Manager {
	if cfg.MaxMessagesPerSession <= 0 {
		cfg.MaxMessagesPerSession = defaultMaxMessagesPerSession
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	m := &Manager{
		repo:       repo,
		locker:     NewLocalLocker(),
		dispatcher: dispatcher,
		events:     nopSink{},
		cfg:        cfg,
		now:        time.Now,
		log:        logger.OrNop(log),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleIncomingMessage files one inbound message into the room's current session.
//
// The active session is checked for closure before the message is attached, so a message
// never lands in a session that was already due to close; in that case the old session is
// closed and a new one receives the message. After attaching, the owning session is checked
// again and closed right away if this message reached the ceiling.
func (m *Manager) HandleIncomingMessage(ctx context.Context, room *Room, in IncomingMessage) (*ChatSession, *Message, error) {
	if room == nil || room.ID == 0 {
		return nil, nil, fmt.Errorf("%w: room is required", ErrInvalidArgument)
	}

	ctx, span := tracer.Start(ctx, "chat.HandleIncomingMessage", trace.WithAttributes(
		attribute.Int64("organization.id", int64(room.OrganizationID)),
		attribute.Int64("room.id", int64(room.ID)),
	))
	defer span.End()

	unlock, err := m.locker.Lock(ctx, RoomLockKey(room.ID))
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("lock room %d: %w", room.ID, err)
	}
	defer unlock()

	// redelivered message: report where it already lives
	if ext := strings.TrimSpace(in.ExternalMessageID); ext != "" {
		existing, err := m.repo.FindMessageByExternalID(ctx, room.ID, ext)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			sess, err := m.repo.GetSessionBySessionID(ctx, existing.SessionID)
			if err != nil {
				return nil, nil, err
			}
			m.log.Debug("duplicate message ignored",
				zap.Uint64("room_id", room.ID),
				zap.String("external_message_id", ext),
			)
			return sess, existing, nil
		}
	}

	sess, err := m.currentSession(ctx, room)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session selection failed")
		return nil, nil, err
	}
	span.SetAttributes(attribute.String("session.id", sess.SessionID))

	msg := m.buildMessage(room, sess, in)
	stored, created, err := m.repo.InsertMessageOrGetExisting(ctx, msg)
	if err != nil {
		m.log.Error("attach message failed",
			zap.Uint64("organization_id", room.OrganizationID),
			zap.Uint64("room_id", room.ID),
			zap.String("session_id", sess.SessionID),
			zap.Error(err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "attach message failed")
		return sess, nil, fmt.Errorf("attach message to session %s: %w", sess.SessionID, err)
	}
	if !created && stored.SessionID != sess.SessionID {
		owner, err := m.repo.GetSessionBySessionID(ctx, stored.SessionID)
		if err != nil {
			return nil, nil, err
		}
		return owner, stored, nil
	}

	count, err := m.repo.CountMessages(ctx, sess.SessionID)
	if err != nil {
		return sess, stored, fmt.Errorf("count messages: %w", err)
	}
	sess.MessageCount = int(count)
	if created {
		m.updateStats(ctx, room, sess, stored)
	}

	closeNow, reason, err := m.shouldClose(ctx, sess, count)
	if err != nil {
		return sess, stored, err
	}
	if closeNow {
		if err := m.closeSession(ctx, sess, reason); err != nil {
			return sess, stored, err
		}
	}
	return sess, stored, nil
}

// currentSession returns the session that should receive the next message, closing a
// session that is due and opening a new one as needed. Losing a race on the one-active-session
// constraint re-reads the store and decides again.
func (m *Manager) currentSession(ctx context.Context, room *Room) (*ChatSession, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		sess, err := m.selectOrOpen(ctx, room)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return nil, err
		}
		lastErr = err
		m.log.Debug("session conflict, retrying",
			zap.Uint64("room_id", room.ID),
			zap.Int("attempt", attempt+1),
		)
	}
	m.log.Error("session conflict retries exhausted", zap.Uint64("room_id", room.ID), zap.Error(lastErr))
	return nil, fmt.Errorf("open session for room %d: %w", room.ID, lastErr)
}

func (m *Manager) selectOrOpen(ctx context.Context, room *Room) (*ChatSession, error) {
	active, err := m.repo.FindActiveSession(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		closeNow, reason, err := m.ShouldClose(ctx, active)
		if err != nil {
			return nil, err
		}
		if !closeNow {
			return active, nil
		}
		if err := m.closeSession(ctx, active, reason); err != nil {
			return nil, err
		}
	}
	return m.openSession(ctx, room)
}

func (m *Manager) openSession(ctx context.Context, room *Room) (*ChatSession, error) {
	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	roomID := room.ID
	sess := &ChatSession{
		SessionID:      sid,
		OrganizationID: room.OrganizationID,
		RoomID:         room.ID,
		Status:         SessionActive,
		StartTime:      m.now(),
		ActiveRoomID:   &roomID,
	}
	if err := m.repo.CreateSession(ctx, sess); err != nil {
		if !errors.Is(err, ErrConcurrencyConflict) {
			m.log.Error("create session failed", zap.Uint64("room_id", room.ID), zap.Error(err))
		}
		return nil, err
	}

	if err := m.repo.IncrementRoomSessions(ctx, room.ID); err != nil {
		m.log.Warn("increment room session count failed", zap.Uint64("room_id", room.ID), zap.Error(err))
	}
	m.log.Info("session opened",
		zap.Uint64("organization_id", room.OrganizationID),
		zap.Uint64("room_id", room.ID),
		zap.String("session_id", sid),
	)
	m.publish(ctx, sess.OrganizationID, EventSessionOpened, SessionEvent{
		SessionID: sid,
		RoomID:    room.ID,
		Status:    string(SessionActive),
		At:        sess.StartTime,
	})
	return sess, nil
}

// ShouldClose reports whether an active session has hit the message ceiling or the age
// ceiling. The message count is read fresh from the store on every call.
func (m *Manager) ShouldClose(ctx context.Context, sess *ChatSession) (bool, CloseReason, error) {
	if sess == nil || sess.Status != SessionActive {
		return false, "", nil
	}
	count, err := m.repo.CountMessages(ctx, sess.SessionID)
	if err != nil {
		return false, "", fmt.Errorf("count messages: %w", err)
	}
	return m.shouldClose(ctx, sess, count)
}

func (m *Manager) shouldClose(_ context.Context, sess *ChatSession, count int64) (bool, CloseReason, error) {
	if sess.Status != SessionActive {
		return false, "", nil
	}
	if count >= int64(m.cfg.MaxMessagesPerSession) {
		return true, CloseMessageLimit, nil
	}
	if m.now().Sub(sess.StartTime) >= m.cfg.SessionTimeout {
		return true, CloseTimeout, nil
	}
	return false, "", nil
}

// ForceClose closes an active session regardless of its triggers. Closing a session that
// is no longer active is a no-op. Summary dispatch is best-effort and never fails the call.
func (m *Manager) ForceClose(ctx context.Context, sess *ChatSession, reason CloseReason) error {
	if sess == nil {
		return fmt.Errorf("%w: session is required", ErrInvalidArgument)
	}
	if reason == "" {
		reason = CloseManual
	}

	ctx, span := tracer.Start(ctx, "chat.ForceClose", trace.WithAttributes(
		attribute.String("session.id", sess.SessionID),
		attribute.String("close.reason", string(reason)),
	))
	defer span.End()

	unlock, err := m.locker.Lock(ctx, RoomLockKey(sess.RoomID))
	if err != nil {
		return fmt.Errorf("lock room %d: %w", sess.RoomID, err)
	}
	defer unlock()

	fresh, err := m.repo.GetSessionBySessionID(ctx, sess.SessionID)
	if err != nil {
		return err
	}
	if fresh.Status != SessionActive {
		*sess = *fresh
		return nil
	}
	if err := m.closeSession(ctx, fresh, reason); err != nil {
		span.RecordError(err)
		return err
	}
	*sess = *fresh
	return nil
}

// ArchiveRoom marks the room inactive and closes its open session, if any.
func (m *Manager) ArchiveRoom(ctx context.Context, room *Room) error {
	if room == nil || room.ID == 0 {
		return fmt.Errorf("%w: room is required", ErrInvalidArgument)
	}
	unlock, err := m.locker.Lock(ctx, RoomLockKey(room.ID))
	if err != nil {
		return fmt.Errorf("lock room %d: %w", room.ID, err)
	}
	defer unlock()

	if err := m.repo.SetRoomActive(ctx, room.ID, false); err != nil {
		m.log.Error("archive room failed", zap.Uint64("room_id", room.ID), zap.Error(err))
		return err
	}
	room.IsActive = false

	active, err := m.repo.FindActiveSession(ctx, room.ID)
	if err != nil {
		return err
	}
	if active != nil {
		if err := m.closeSession(ctx, active, CloseRoomArchived); err != nil {
			return err
		}
	}

	m.log.Info("room archived", zap.Uint64("organization_id", room.OrganizationID), zap.Uint64("room_id", room.ID))
	m.publish(ctx, room.OrganizationID, EventRoomArchived, map[string]any{"room_id": room.ID, "at": m.now()})
	return nil
}

// CloseExpired closes up to limit active sessions older than the session timeout, for rooms
// that went quiet and would otherwise wait for their next message. It returns how many closed.
func (m *Manager) CloseExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := m.now().Add(-m.cfg.SessionTimeout)
	expired, err := m.repo.ListExpiredActiveSessions(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	closed := 0
	for i := range expired {
		sess := &expired[i]
		if err := m.ForceClose(ctx, sess, CloseTimeout); err != nil {
			m.log.Error("close expired session failed", zap.String("session_id", sess.SessionID), zap.Error(err))
			continue
		}
		if sess.Status != SessionActive {
			closed++
		}
	}
	return closed, nil
}

// closeSession commits active -> closed and kicks off the summary. The caller holds the room lock.
func (m *Manager) closeSession(ctx context.Context, sess *ChatSession, reason CloseReason) error {
	count, err := m.repo.CountMessages(ctx, sess.SessionID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	end := m.now()
	changed, err := m.repo.CloseSession(ctx, sess.ID, reason, end, int(count))
	if err != nil {
		m.log.Error("close session failed",
			zap.String("session_id", sess.SessionID),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		return fmt.Errorf("close session %s: %w", sess.SessionID, err)
	}
	if !changed {
		// already closed by someone else
		fresh, err := m.repo.GetSessionBySessionID(ctx, sess.SessionID)
		if err == nil {
			*sess = *fresh
		}
		return nil
	}

	sess.Status = SessionClosed
	sess.EndTime = &end
	sess.CloseReason = reason
	sess.MessageCount = int(count)
	sess.ActiveRoomID = nil

	m.log.Info("session closed",
		zap.Uint64("organization_id", sess.OrganizationID),
		zap.Uint64("room_id", sess.RoomID),
		zap.String("session_id", sess.SessionID),
		zap.String("reason", string(reason)),
		zap.Int64("message_count", count),
	)
	m.publish(ctx, sess.OrganizationID, EventSessionClosed, SessionEvent{
		SessionID:    sess.SessionID,
		RoomID:       sess.RoomID,
		Status:       string(SessionClosed),
		CloseReason:  reason,
		MessageCount: int(count),
		At:           end,
	})

	m.dispatchSummary(ctx, sess)
	return nil
}

func (m *Manager) dispatchSummary(ctx context.Context, sess *ChatSession) {
	if m.dispatcher == nil {
		return
	}
	key := "auto:" + sess.SessionID
	_, err := m.dispatcher.Dispatch(ctx, SummaryRequest{
		SessionID:      sess.SessionID,
		OrganizationID: sess.OrganizationID,
		Trigger:        TriggerAuto,
		IdempotencyKey: &key,
	})
	switch {
	case err == nil:
	case IsSkip(err):
		m.log.Info("summary skipped", zap.String("session_id", sess.SessionID), zap.Error(err))
	default:
		m.log.Warn("summary dispatch failed", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
}

func (m *Manager) buildMessage(room *Room, sess *ChatSession, in IncomingMessage) *Message {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}
	dir := in.Direction
	if dir == "" {
		dir = DirectionUser
	}
	ct := in.ContentType
	if ct == "" {
		ct = "text"
	}
	msg := &Message{
		SessionID:      sess.SessionID,
		OrganizationID: room.OrganizationID,
		RoomID:         room.ID,
		Direction:      dir,
		ContentType:    ct,
		Content:        in.Content,
		ObjectKey:      in.ObjectKey,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Timestamp:      ts,
	}
	if ext := strings.TrimSpace(in.ExternalMessageID); ext != "" {
		msg.ExternalMessageID = &ext
	}
	return msg
}

// updateStats refreshes display counters. Failures are logged; counters are hints only.
func (m *Manager) updateStats(ctx context.Context, room *Room, sess *ChatSession, msg *Message) {
	if err := m.repo.UpdateSessionMessageCount(ctx, sess.ID, sess.MessageCount); err != nil {
		m.log.Warn("update session message count failed", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
	if err := m.repo.TouchRoomMessage(ctx, room.ID, msg.Timestamp); err != nil {
		m.log.Warn("update room stats failed", zap.Uint64("room_id", room.ID), zap.Error(err))
	}
	if err := m.repo.IncrementMessageUsage(ctx, room.OrganizationID, m.now()); err != nil {
		m.log.Warn("update organization usage failed", zap.Uint64("organization_id", room.OrganizationID), zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, orgID uint64, key string, payload any) {
	if err := m.events.Publish(ctx, orgID, key, payload); err != nil {
		m.log.Warn("publish event failed", zap.String("event", key), zap.Error(err))
	}
}
