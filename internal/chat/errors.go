package chat

import (
	"errors"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
)

var (
	ErrTenantNotFound      = models.ErrOrganizationNotFound
	ErrRoomNotFound        = errors.New("room not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionActive       = errors.New("session is still active")
	ErrSummaryInProgress   = errors.New("summary generation already in progress")
	ErrNotEnoughMessages   = errors.New("not enough messages to summarize")
	ErrConcurrencyConflict = errors.New("concurrent session change")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrQuotaExceeded       = errors.New("monthly summary quota exhausted")
	ErrJobNotFound         = errors.New("summary job not found")
)
