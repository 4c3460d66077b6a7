package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Organizations

func (r *Repo) GetOrganization(ctx context.Context, id uint64) (*models.Organization, error) {
	var o models.Organization
	if err := r.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return &o, nil
}

// IncrementMessageUsage bumps the monthly message counter, resetting both counters
// when the usage period rolled over.
func (r *Repo) IncrementMessageUsage(ctx context.Context, orgID uint64, now time.Time) error {
	period := models.UsagePeriodFor(now)
	return r.db.WithContext(ctx).Model(&models.Organization{}).
		Where("id = ?", orgID).
		Updates(map[string]any{
			"messages_this_month":  gorm.Expr("CASE WHEN usage_period = ? THEN messages_this_month + 1 ELSE 1 END", period),
			"summaries_this_month": gorm.Expr("CASE WHEN usage_period = ? THEN summaries_this_month ELSE 0 END", period),
			"usage_period":         period,
		}).Error
}

func (r *Repo) IncrementSummaryUsage(ctx context.Context, orgID uint64, now time.Time) error {
	period := models.UsagePeriodFor(now)
	return r.db.WithContext(ctx).Model(&models.Organization{}).
		Where("id = ?", orgID).
		Updates(map[string]any{
			"summaries_this_month": gorm.Expr("CASE WHEN usage_period = ? THEN summaries_this_month + 1 ELSE 1 END", period),
			"messages_this_month":  gorm.Expr("CASE WHEN usage_period = ? THEN messages_this_month ELSE 0 END", period),
			"usage_period":         period,
		}).Error
}

// Rooms

// FindRoom returns nil, nil when no room matches.
func (r *Repo) FindRoom(ctx context.Context, orgID uint64, externalRoomID string) (*Room, error) {
	var rooms []Room
	if err := r.db.WithContext(ctx).
		Where("organization_id = ? AND external_room_id = ?", orgID, externalRoomID).
		Limit(1).
		Find(&rooms).Error; err != nil {
		return nil, err
	}
	if len(rooms) == 0 {
		return nil, nil
	}
	return &rooms[0], nil
}

func (r *Repo) CreateRoom(ctx context.Context, room *Room) error {
	return r.db.WithContext(ctx).Create(room).Error
}

func (r *Repo) GetRoom(ctx context.Context, id uint64) (*Room, error) {
	var room Room
	if err := r.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

func (r *Repo) UpdateRoom(ctx context.Context, id uint64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&Room{}).Where("id = ?", id).Updates(fields).Error
}

func (r *Repo) SetRoomActive(ctx context.Context, id uint64, active bool) error {
	return r.db.WithContext(ctx).Model(&Room{}).Where("id = ?", id).Update("is_active", active).Error
}

func (r *Repo) TouchRoomMessage(ctx context.Context, id uint64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Room{}).Where("id = ?", id).
		Updates(map[string]any{
			"message_count":    gorm.Expr("message_count + 1"),
			"last_activity_at": at,
		}).Error
}

func (r *Repo) IncrementRoomSessions(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Model(&Room{}).Where("id = ?", id).
		UpdateColumn("session_count", gorm.Expr("session_count + 1")).Error
}

// ListRooms returns rooms in DESC id order.
func (r *Repo) ListRooms(ctx context.Context, orgID uint64, limit int, beforeID uint64) ([]Room, error) {
	q := r.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("id DESC").
		Limit(limit)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var rooms []Room
	if err := q.Find(&rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}

// Sessions

// FindActiveSession returns nil, nil when the room has no active session.
func (r *Repo) FindActiveSession(ctx context.Context, roomID uint64) (*ChatSession, error) {
	var sessions []ChatSession
	if err := r.db.WithContext(ctx).
		Where("room_id = ? AND status = ?", roomID, SessionActive).
		Order("id DESC").
		Limit(1).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

func (r *Repo) CountActiveSessions(ctx context.Context, roomID uint64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&ChatSession{}).
		Where("room_id = ? AND status = ?", roomID, SessionActive).
		Count(&n).Error
	return n, err
}

// CreateSession inserts an active session. If the insert loses the race against another
// active session for the same room it returns ErrConcurrencyConflict.
func (r *Repo) CreateSession(ctx context.Context, s *ChatSession) error {
	err := r.db.WithContext(ctx).Create(s).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConcurrencyConflict
	}
	existing, getErr := r.FindActiveSession(ctx, s.RoomID)
	if getErr == nil && existing != nil {
		return ErrConcurrencyConflict
	}
	return err
}

func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*ChatSession, error) {
	var s ChatSession
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// CloseSession moves an active session to closed. It reports false when the session
// was no longer active.
func (r *Repo) CloseSession(ctx context.Context, id uint64, reason CloseReason, endTime time.Time, messageCount int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&ChatSession{}).
		Where("id = ? AND status = ?", id, SessionActive).
		Updates(map[string]any{
			"status":         SessionClosed,
			"end_time":       endTime,
			"close_reason":   reason,
			"active_room_id": nil,
			"message_count":  messageCount,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkSummarizing moves a closed session to summarizing. A session stuck in summarizing
// since before staleBefore is taken over as well. It reports false when neither applies.
func (r *Repo) MarkSummarizing(ctx context.Context, id uint64, now, staleBefore time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&ChatSession{}).
		Where("id = ?", id).
		Where(r.db.Where("status = ?", SessionClosed).
			Or("status = ? AND (summarizing_since IS NULL OR summarizing_since <= ?)", SessionSummarizing, staleBefore)).
		Updates(map[string]any{"status": SessionSummarizing, "summarizing_since": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FinishSummarizing returns a summarizing session to closed, linking the summary if given.
func (r *Repo) FinishSummarizing(ctx context.Context, id uint64, summaryID *uint64) error {
	updates := map[string]any{"status": SessionClosed, "summarizing_since": nil}
	if summaryID != nil {
		updates["summary_id"] = *summaryID
	}
	return r.db.WithContext(ctx).Model(&ChatSession{}).
		Where("id = ? AND status = ?", id, SessionSummarizing).
		Updates(updates).Error
}

// ListStaleSummarizing returns sessions in summarizing since at or before cutoff, oldest first.
func (r *Repo) ListStaleSummarizing(ctx context.Context, cutoff time.Time, limit int) ([]ChatSession, error) {
	var sessions []ChatSession
	if err := r.db.WithContext(ctx).
		Where("status = ? AND (summarizing_since IS NULL OR summarizing_since <= ?)", SessionSummarizing, cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// ResetStaleSummarizing returns a stale summarizing session to closed and fails its
// in-progress summary row. It reports false when the session moved on in the meantime.
func (r *Repo) ResetStaleSummarizing(ctx context.Context, sess *ChatSession, cutoff time.Time, reason string) (bool, error) {
	reset := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ChatSession{}).
			Where("id = ? AND status = ? AND (summarizing_since IS NULL OR summarizing_since <= ?)", sess.ID, SessionSummarizing, cutoff).
			Updates(map[string]any{"status": SessionClosed, "summarizing_since": nil})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		reset = true
		return tx.Model(&Summary{}).
			Where("session_id = ? AND status = ?", sess.SessionID, SummaryProcessing).
			Updates(map[string]any{"status": SummaryFailed, "error": reason}).Error
	})
	return reset, err
}

func (r *Repo) UpdateSessionMessageCount(ctx context.Context, id uint64, n int) error {
	return r.db.WithContext(ctx).Model(&ChatSession{}).Where("id = ?", id).Update("message_count", n).Error
}

// ListExpiredActiveSessions returns active sessions started at or before cutoff, oldest first.
func (r *Repo) ListExpiredActiveSessions(ctx context.Context, cutoff time.Time, limit int) ([]ChatSession, error) {
	var sessions []ChatSession
	if err := r.db.WithContext(ctx).
		Where("status = ? AND start_time <= ?", SessionActive, cutoff).
		Order("start_time ASC").
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

type SessionFilter struct {
	RoomID   uint64
	Status   SessionStatus
	Limit    int
	BeforeID uint64
}

// ListSessions returns sessions in DESC id order.
func (r *Repo) ListSessions(ctx context.Context, orgID uint64, f SessionFilter) ([]ChatSession, error) {
	q := r.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("id DESC").
		Limit(f.Limit)
	if f.RoomID > 0 {
		q = q.Where("room_id = ?", f.RoomID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.BeforeID > 0 {
		q = q.Where("id < ?", f.BeforeID)
	}
	var sessions []ChatSession
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// Messages

// InsertMessageOrGetExisting writes m. A message already stored for the same room and
// external id is returned instead, with created=false.
func (r *Repo) InsertMessageOrGetExisting(ctx context.Context, m *Message) (*Message, bool, error) {
	if m.ExternalMessageID != nil && *m.ExternalMessageID == "" {
		m.ExternalMessageID = nil
	}
	if m.ExternalMessageID != nil {
		existing, err := r.FindMessageByExternalID(ctx, m.RoomID, *m.ExternalMessageID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	err := r.db.WithContext(ctx).Create(m).Error
	if err == nil {
		return m, true, nil
	}
	if m.ExternalMessageID == nil {
		return nil, false, err
	}

	existing, getErr := r.FindMessageByExternalID(ctx, m.RoomID, *m.ExternalMessageID)
	if getErr == nil && existing != nil {
		return existing, false, nil
	}
	return nil, false, err
}

// FindMessageByExternalID returns nil, nil when the room has no such message.
func (r *Repo) FindMessageByExternalID(ctx context.Context, roomID uint64, externalID string) (*Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("room_id = ? AND external_message_id = ?", roomID, externalID).
		Limit(1).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// CountMessages is the authoritative message count of a session.
func (r *Repo) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error
	return n, err
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, orgID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("organization_id = ? AND session_id = ?", orgID, sessionID).
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

// ListTranscript returns every message of a session in ASC order.
func (r *Repo) ListTranscript(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// SearchMessages does a case-insensitive substring match on text content.
func (r *Repo) SearchMessages(ctx context.Context, orgID uint64, query string, limit int) ([]Message, error) {
	pattern := "%" + strings.ToLower(escapeLike(query)) + "%"
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("organization_id = ? AND LOWER(content) LIKE ? ESCAPE '!'", orgID, pattern).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}

// Summaries

// FindSummary returns nil, nil when the session has no summary row.
func (r *Repo) FindSummary(ctx context.Context, sessionID string) (*Summary, error) {
	var rows []Summary
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// BeginSummary creates the summary row for a session or resets an existing one to processing.
func (r *Repo) BeginSummary(ctx context.Context, sess *ChatSession, messageCount int) (*Summary, error) {
	existing, err := r.FindSummary(ctx, sess.SessionID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		s := &Summary{
			SessionID:      sess.SessionID,
			OrganizationID: sess.OrganizationID,
			Status:         SummaryProcessing,
			MessageCount:   messageCount,
			Attempts:       1,
		}
		if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := r.db.WithContext(ctx).Model(existing).
		Updates(map[string]any{
			"status":        SummaryProcessing,
			"message_count": messageCount,
			"error":         nil,
			"attempts":      gorm.Expr("attempts + 1"),
		}).Error; err != nil {
		return nil, err
	}
	return r.FindSummary(ctx, sess.SessionID)
}

func (r *Repo) CompleteSummary(ctx context.Context, id uint64, updates Summary) error {
	return r.db.WithContext(ctx).Model(&Summary{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      SummaryCompleted,
			"content":     updates.Content,
			"key_topics":  updates.KeyTopics,
			"provider":    updates.Provider,
			"model":       updates.Model,
			"duration_ms": updates.DurationMs,
			"error":       nil,
		}).Error
}

func (r *Repo) FailSummary(ctx context.Context, id uint64, errMsg string, durationMs int64) error {
	return r.db.WithContext(ctx).Model(&Summary{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      SummaryFailed,
			"error":       errMsg,
			"duration_ms": durationMs,
		}).Error
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, summaryID *uint64) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     JobSucceeded,
			"summary_id": summaryID,
			"error":      nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     JobFailed,
			"error":      errMsg,
			"summary_id": nil,
		}).Error
}

func (r *Repo) GetJobByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if its idempotency key already exists,
// it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByIdempotencyKey(ctx, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
