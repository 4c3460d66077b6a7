package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/ai"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/chat"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/common"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/httpapi/middleware"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/line"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/org"
	"go.uber.org/zap"
)

type errorMapping struct {
	target error
	status int
	code   int
}

// order matters only where sentinels wrap one another
var errorTable = []errorMapping{
	{models.ErrOrganizationNotFound, http.StatusNotFound, common.CodeTenantNotFound},
	{chat.ErrSessionNotFound, http.StatusNotFound, common.CodeSessionNotFound},
	{chat.ErrRoomNotFound, http.StatusNotFound, common.CodeRoomNotFound},
	{chat.ErrJobNotFound, http.StatusNotFound, common.CodeJobNotFound},
	{org.ErrMemberNotFound, http.StatusNotFound, common.CodeMemberNotFound},
	{org.ErrInviteNotFound, http.StatusNotFound, common.CodeInviteNotFound},

	{chat.ErrSessionActive, http.StatusConflict, common.CodeSessionActive},
	{chat.ErrSummaryInProgress, http.StatusConflict, common.CodeSummaryInProgress},
	{chat.ErrNotEnoughMessages, http.StatusConflict, common.CodeNotEnoughMessages},
	{org.ErrLastOwner, http.StatusConflict, common.CodeLastOwner},
	{org.ErrInviteInvalid, http.StatusConflict, common.CodeInviteInvalid},
	{org.ErrAlreadyMember, http.StatusConflict, common.CodeAlreadyMember},

	{chat.ErrQuotaExceeded, http.StatusTooManyRequests, common.CodeQuotaExceeded},
	{org.ErrQuotaExceeded, http.StatusTooManyRequests, common.CodeQuotaExceeded},

	{chat.ErrInvalidArgument, http.StatusBadRequest, common.CodeInvalidArgument},
	{org.ErrInvalidArgument, http.StatusBadRequest, common.CodeInvalidArgument},
	{line.ErrInvalidPayload, http.StatusBadRequest, common.CodeInvalidArgument},
	{line.ErrSignatureInvalid, http.StatusUnauthorized, common.CodeBadSignature},

	{ai.ErrUpstreamTimeout, http.StatusBadGateway, common.CodeUpstreamFail},
	{ai.ErrUpstream, http.StatusBadGateway, common.CodeUpstreamFail},
	{ai.ErrMalformedResponse, http.StatusBadGateway, common.CodeUpstreamFail},
}

// respondError writes the envelope for err. Unknown errors are logged and hidden.
func (h *Handler) respondError(c *gin.Context, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			common.Fail(c, m.status, m.code, err.Error())
			return
		}
	}
	h.Log.Error("request failed",
		zap.String("path", c.FullPath()),
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.Error(err),
	)
	common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
}
