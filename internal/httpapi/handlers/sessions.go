package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/audit"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/chat"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/common"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/guard"
	"go.uber.org/zap"
)

func (h *Handler) loadSession(c *gin.Context, out **chat.ChatSession) func(ctx context.Context) (guard.Resource, error) {
	return func(ctx context.Context) (guard.Resource, error) {
		sess, err := h.Repo.GetSessionBySessionID(ctx, c.Param("session_id"))
		if err != nil {
			return nil, err
		}
		*out = sess
		return sess, nil
	}
}

func (h *Handler) ListSessions(c *gin.Context) {
	orgID, _, ok := h.authorize(c, guard.PermSessionsRead)
	if !ok {
		return
	}
	limit, beforeID := pageParams(c)
	f := chat.SessionFilter{Limit: limit, BeforeID: beforeID, Status: chat.SessionStatus(c.Query("status"))}
	if s := c.Query("room_id"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, common.CodeInvalidArgument, "invalid room_id")
			return
		}
		f.RoomID = n
	}

	sessions, err := h.Repo.ListSessions(c.Request.Context(), orgID, f)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var next uint64
	if len(sessions) > 0 {
		next = sessions[len(sessions)-1].ID
	}
	common.OK(c, gin.H{"sessions": sessions, "next_before_id": next})
}

func (h *Handler) GetSession(c *gin.Context) {
	var sess *chat.ChatSession
	if _, _, ok := h.authorizeResource(c, guard.PermSessionsRead, h.loadSession(c, &sess)); !ok {
		return
	}
	sum, err := h.Summaries.GetSummary(c.Request.Context(), sess.SessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	common.OK(c, gin.H{"session": sess, "summary": sum})
}

func (h *Handler) ListSessionMessages(c *gin.Context) {
	var sess *chat.ChatSession
	if _, _, ok := h.authorizeResource(c, guard.PermMessagesRead, h.loadSession(c, &sess)); !ok {
		return
	}
	limit, beforeID := pageParams(c)
	msgs, err := h.Repo.ListMessages(c.Request.Context(), sess.OrganizationID, sess.SessionID, limit, beforeID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var next uint64
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].ID
	}
	common.OK(c, gin.H{"messages": msgs, "next_before_id": next})
}

// CloseSession force-closes an active session. Closing one that already closed is a no-op.
func (h *Handler) CloseSession(c *gin.Context) {
	var sess *chat.ChatSession
	_, p, ok := h.authorizeResource(c, guard.PermSessionsClose, h.loadSession(c, &sess))
	if !ok {
		return
	}
	wasActive := sess.Status == chat.SessionActive
	if err := h.Manager.ForceClose(c.Request.Context(), sess, chat.CloseManual); err != nil {
		h.respondError(c, err)
		return
	}
	if wasActive {
		h.record(c, sess.OrganizationID, p.UserID, audit.ActionSessionClose, "session", sess.SessionID,
			map[string]any{"reason": chat.CloseManual, "message_count": sess.MessageCount})
	}
	common.OK(c, gin.H{"session": sess})
}

// GenerateSummary (re)generates a closed session's summary. An Idempotency-Key header
// collapses repeated requests onto one job.
func (h *Handler) GenerateSummary(c *gin.Context) {
	var sess *chat.ChatSession
	_, p, ok := h.authorizeResource(c, guard.PermSummariesGenerate, h.loadSession(c, &sess))
	if !ok {
		return
	}
	if sess.Status == chat.SessionActive {
		h.respondError(c, chat.ErrSessionActive)
		return
	}
	if h.Summaries.InProgress(sess) {
		h.respondError(c, chat.ErrSummaryInProgress)
		return
	}

	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(key) > 90 {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidArgument, "idempotency key too long")
		return
	}
	req := chat.SummaryRequest{
		SessionID:      sess.SessionID,
		OrganizationID: sess.OrganizationID,
		Trigger:        chat.TriggerManual,
		RequestedBy:    &p.UserID,
	}
	if key != "" {
		scoped := "manual:" + sess.SessionID + ":" + key
		req.IdempotencyKey = &scoped
	}

	res, err := h.Dispatcher.Dispatch(c.Request.Context(), req)
	if err != nil {
		h.Log.Warn("summary request failed", zap.String("session_id", sess.SessionID), zap.Error(err))
		h.respondError(c, err)
		return
	}
	h.record(c, sess.OrganizationID, p.UserID, audit.ActionSummaryRegenerate, "session", sess.SessionID, nil)

	out := gin.H{"session_id": sess.SessionID}
	if res != nil {
		if res.Job != nil {
			out["job"] = jobView(res.Job)
		}
		if res.Summary != nil {
			out["summary"] = res.Summary
		}
	}
	common.OK(c, out)
}

func (h *Handler) GetJob(c *gin.Context) {
	var job *chat.Job
	_, _, ok := h.authorizeResource(c, guard.PermSessionsRead, func(ctx context.Context) (guard.Resource, error) {
		j, err := h.Repo.GetJobByID(ctx, c.Param("job_id"))
		if err != nil {
			return nil, err
		}
		job = j
		return j, nil
	})
	if !ok {
		return
	}
	common.OK(c, gin.H{"job": jobView(job)})
}

func jobView(j *chat.Job) gin.H {
	return gin.H{
		"id":         j.ID,
		"session_id": j.SessionID,
		"trigger":    j.Trigger,
		"status":     j.Status,
		"summary_id": j.SummaryID,
		"error":      j.Error,
		"created_at": j.CreatedAt,
		"updated_at": j.UpdatedAt,
	}
}

func (h *Handler) SearchMessages(c *gin.Context) {
	orgID, _, ok := h.authorize(c, guard.PermMessagesRead)
	if !ok {
		return
	}
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidArgument, "q required")
		return
	}
	limit, _ := pageParams(c)
	msgs, err := h.Repo.SearchMessages(c.Request.Context(), orgID, q, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}
