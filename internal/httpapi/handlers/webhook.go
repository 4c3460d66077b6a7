package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/common"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/line"
)

const maxWebhookBody = 1 << 20

// LineWebhook receives LINE deliveries for the organization named in the URL.
func (h *Handler) LineWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.Fail(c, http.StatusRequestEntityTooLarge, common.CodeInvalidArgument, "body too large")
			return
		}
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidArgument, "read body failed")
		return
	}

	// finish the events even if LINE hangs up
	ctx := context.WithoutCancel(c.Request.Context())
	res, err := h.Gateway.Handle(ctx, c.Param("org_slug"), body, c.GetHeader(line.SignatureHeader))
	if err != nil {
		h.respondError(c, err)
		return
	}
	common.OK(c, res)
}
