package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Stable error codes returned in the "code" field of the response envelope.
const (
	CodeOK = 0

	CodeInvalidJSON     = 10001
	CodeInvalidArgument = 10002

	CodeUnauthorized = 40101
	CodeInvalidToken = 40102
	CodeBadSignature = 40103

	CodeForbidden = 40301

	CodeRouteNotFound   = 40400
	CodeTenantNotFound  = 40401
	CodeSessionNotFound = 40402
	CodeRoomNotFound    = 40403
	CodeJobNotFound     = 40404
	CodeMemberNotFound  = 40405
	CodeInviteNotFound  = 40406

	CodeMethodNotAllowed = 40500

	CodeSessionActive     = 40901
	CodeSummaryInProgress = 40902
	CodeLastOwner         = 40903
	CodeInviteInvalid     = 40904
	CodeNotEnoughMessages = 40905
	CodeAlreadyMember     = 40906

	CodeQuotaExceeded = 42901

	CodeInternal     = 50001
	CodeEnqueue      = 50002
	CodeUpstreamFail = 50201
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    CodeOK,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
