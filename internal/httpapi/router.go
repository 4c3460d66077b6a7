package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/common"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/httpapi/handlers"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/httpapi/middleware"
	"go.uber.org/zap"
)

func NewRouter(h *handlers.Handler, jwtSecret string, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, common.CodeRouteNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, common.CodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// LINE (signature checked per organization)
	r.POST("/webhook/line/:org_slug", h.LineWebhook)

	// invite tokens are their own credential
	r.POST("/api/invites/accept", h.AcceptInvite)

	orgs := r.Group("/api/orgs/:org_id")
	orgs.Use(middleware.AuthRequired(jwtSecret))

	orgs.GET("/sessions", h.ListSessions)
	orgs.GET("/sessions/:session_id", h.GetSession)
	orgs.GET("/sessions/:session_id/messages", h.ListSessionMessages)
	orgs.POST("/sessions/:session_id/close", h.CloseSession)
	orgs.POST("/sessions/:session_id/summary", h.GenerateSummary)
	orgs.GET("/jobs/:job_id", h.GetJob)
	orgs.GET("/messages/search", h.SearchMessages)

	orgs.GET("/rooms", h.ListRooms)
	orgs.POST("/rooms/:room_id/archive", h.ArchiveRoom)

	orgs.GET("/members", h.ListMembers)
	orgs.PATCH("/members/:user_id", h.UpdateMember)
	orgs.DELETE("/members/:user_id", h.RemoveMember)

	orgs.GET("/invites", h.ListInvites)
	orgs.POST("/invites", h.CreateInvite)
	orgs.DELETE("/invites/:invite_id", h.RevokeInvite)

	orgs.GET("/audit-logs", h.ListAuditLogs)
	return r
}
