package org

import (
	"errors"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
)

var (
	ErrTenantNotFound  = models.ErrOrganizationNotFound
	ErrMemberNotFound  = errors.New("member not found")
	ErrInviteNotFound  = errors.New("invite not found")
	ErrLastOwner       = errors.New("organization must keep at least one owner")
	ErrQuotaExceeded   = errors.New("organization user limit reached")
	ErrInviteInvalid   = errors.New("invite is expired, used or revoked")
	ErrAlreadyMember   = errors.New("user is already a member")
	ErrInvalidArgument = errors.New("invalid argument")
)
