package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/audit"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/common"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/guard"
)

func (h *Handler) ListAuditLogs(c *gin.Context) {
	orgID, _, ok := h.authorize(c, guard.PermAuditRead)
	if !ok {
		return
	}
	limit, beforeID := pageParams(c)
	f := audit.Filter{Action: c.Query("action"), Limit: limit, BeforeID: beforeID}
	if s := c.Query("actor_id"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, common.CodeInvalidArgument, "invalid actor_id")
			return
		}
		f.ActorID = n
	}
	rows, err := h.Audit.List(c.Request.Context(), orgID, f)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var next uint64
	if len(rows) > 0 {
		next = rows[len(rows)-1].ID
	}
	common.OK(c, gin.H{"audit_logs": rows, "next_before_id": next})
}
