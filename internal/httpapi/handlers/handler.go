package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/audit"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/chat"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/common"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/guard"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/httpapi/middleware"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/ingest"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/org"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Handler struct {
	Orgs       *org.Service
	Guard      *guard.Guard
	Audit      *audit.Recorder
	Repo       *chat.Repo
	Manager    *chat.Manager
	Summaries  *chat.SummaryService
	Dispatcher chat.SummaryDispatcher
	Gateway    *ingest.Gateway

	JWTSecret string
	TokenTTL  time.Duration
	Log       *zap.Logger
}

func (h *Handler) tokenTTL() time.Duration {
	if h.TokenTTL <= 0 {
		return 24 * time.Hour
	}
	return h.TokenTTL
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true, "time": time.Now().UTC()})
}

// principal loads the caller behind the bearer token. Disabled or deleted users are rejected.
func (h *Handler) principal(c *gin.Context) (guard.Principal, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return guard.Principal{}, false
	}
	u, err := h.Orgs.GetUser(c.Request.Context(), uid)
	if err != nil || u.Status != models.UserActive {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return guard.Principal{}, false
	}
	return guard.Principal{UserID: u.ID, IsSuperAdmin: u.IsSuperAdmin}, true
}

// authorize checks perm on the :org_id organization for a collection operation.
func (h *Handler) authorize(c *gin.Context, perm guard.Permission) (uint64, guard.Principal, bool) {
	return h.authorizeResource(c, perm, nil)
}

// authorizeResource loads one resource and checks perm against it. When load fails the
// caller's plain access to the organization is checked first, so a non-member learns
// nothing about which resources exist.
func (h *Handler) authorizeResource(c *gin.Context, perm guard.Permission, load func(ctx context.Context) (guard.Resource, error)) (uint64, guard.Principal, bool) {
	orgID, err := strconv.ParseUint(c.Param("org_id"), 10, 64)
	if err != nil || orgID == 0 {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidArgument, "invalid org_id")
		return 0, guard.Principal{}, false
	}
	p, ok := h.principal(c)
	if !ok {
		return 0, p, false
	}

	var res guard.Resource
	if load != nil {
		r, loadErr := load(c.Request.Context())
		if loadErr != nil {
			if !h.check(c, p, orgID, perm, nil) {
				return 0, p, false
			}
			h.respondError(c, loadErr)
			return 0, p, false
		}
		res = r
	}
	if !h.check(c, p, orgID, perm, res) {
		return 0, p, false
	}
	return orgID, p, true
}

func (h *Handler) check(c *gin.Context, p guard.Principal, orgID uint64, perm guard.Permission, res guard.Resource) bool {
	d, err := h.Guard.Authorize(c.Request.Context(), p, orgID, perm, res)
	if err != nil {
		h.respondError(c, err)
		return false
	}
	if !d.Allowed {
		h.Log.Info("access denied",
			zap.Uint64("user_id", p.UserID),
			zap.Uint64("organization_id", orgID),
			zap.String("permission", string(perm)),
			zap.String("reason", d.Reason.String()),
		)
		common.Fail(c, http.StatusForbidden, common.CodeForbidden, d.Message)
		return false
	}
	return true
}

// record writes an audit row. The mutation already happened, so a failure is only logged.
func (h *Handler) record(c *gin.Context, orgID, actor uint64, action, resourceType, resourceID string, details map[string]any) {
	if h.Audit == nil {
		return
	}
	err := h.Audit.Record(c.Request.Context(), audit.Entry{
		OrganizationID: orgID,
		ActorUserID:    actor,
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Details:        details,
		RequestID:      middleware.GetRequestID(c),
	})
	if err != nil {
		h.Log.Error("audit record failed", zap.String("action", action), zap.Uint64("organization_id", orgID), zap.Error(err))
	}
}

func pageParams(c *gin.Context) (int, uint64) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	var beforeID uint64
	if s := c.Query("before_id"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			beforeID = n
		}
	}
	return limit, beforeID
}

func uintParam(c *gin.Context, name string) (uint64, bool) {
	n, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || n == 0 {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidArgument, "invalid "+name)
		return 0, false
	}
	return n, true
}
