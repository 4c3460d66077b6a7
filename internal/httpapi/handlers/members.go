package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/audit"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/auth"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/common"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/guard"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/org"
)

func (h *Handler) ListMembers(c *gin.Context) {
	orgID, _, ok := h.authorize(c, guard.PermMembersRead)
	if !ok {
		return
	}
	members, err := h.Orgs.ListMembers(c.Request.Context(), orgID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	common.OK(c, gin.H{"members": members})
}

// loadMember builds the membership change as the guard sees it. The org id comes from
// the URL because the lookup is already scoped to it.
func (h *Handler) loadMember(c *gin.Context, userID uint64, assign models.Role, out **models.OrganizationMember) func(ctx context.Context) (guard.Resource, error) {
	return func(ctx context.Context) (guard.Resource, error) {
		orgID, _ := strconv.ParseUint(c.Param("org_id"), 10, 64)
		m, err := h.Orgs.GetMember(ctx, orgID, userID)
		if err != nil {
			return nil, err
		}
		*out = m
		return guard.MemberChange{OrganizationID: m.OrganizationID, Current: m.Role, Assign: assign}, nil
	}
}

type updateMemberReq struct {
	Role string `json:"role" binding:"required"`
}

func (h *Handler) UpdateMember(c *gin.Context) {
	userID, ok := uintParam(c, "user_id")
	if !ok {
		return
	}
	var req updateMemberReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidArgument, err.Error())
		return
	}

	var member *models.OrganizationMember
	orgID, p, ok := h.authorizeResource(c, guard.PermMembersManage, h.loadMember(c, userID, role, &member))
	if !ok {
		return
	}
	previous := member.Role
	updated, err := h.Orgs.ChangeRole(c.Request.Context(), orgID, userID, role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if previous != updated.Role {
		h.record(c, orgID, p.UserID, audit.ActionMemberRoleChange, "member", strconv.FormatUint(userID, 10),
			map[string]any{"from": previous, "to": updated.Role})
	}
	common.OK(c, gin.H{"member": updated})
}

func (h *Handler) RemoveMember(c *gin.Context) {
	userID, ok := uintParam(c, "user_id")
	if !ok {
		return
	}
	var member *models.OrganizationMember
	orgID, p, ok := h.authorizeResource(c, guard.PermMembersManage, h.loadMember(c, userID, "", &member))
	if !ok {
		return
	}
	removed, err := h.Orgs.RemoveMember(c.Request.Context(), orgID, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, orgID, p.UserID, audit.ActionMemberRemove, "member", strconv.FormatUint(userID, 10),
		map[string]any{"role": member.Role})
	common.OK(c, gin.H{"member": removed})
}

func (h *Handler) ListInvites(c *gin.Context) {
	orgID, _, ok := h.authorize(c, guard.PermInvitesManage)
	if !ok {
		return
	}
	invites, err := h.Orgs.ListInvites(c.Request.Context(), orgID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	common.OK(c, gin.H{"invites": invites})
}

type createInviteReq struct {
	Email string `json:"email" binding:"required"`
	Role  string `json:"role"`
}

func (h *Handler) CreateInvite(c *gin.Context) {
	var req createInviteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}
	role := models.RoleMember
	if strings.TrimSpace(req.Role) != "" {
		r, err := models.ParseRole(req.Role)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, common.CodeInvalidArgument, err.Error())
			return
		}
		role = r
	}

	orgID, p, ok := h.authorizeResource(c, guard.PermInvitesManage, func(context.Context) (guard.Resource, error) {
		orgID, _ := strconv.ParseUint(c.Param("org_id"), 10, 64)
		return guard.MemberChange{OrganizationID: orgID, Assign: role}, nil
	})
	if !ok {
		return
	}
	inv, err := h.Orgs.CreateInvite(c.Request.Context(), orgID, req.Email, role, p.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, orgID, p.UserID, audit.ActionInviteCreate, "invite", strconv.FormatUint(inv.ID, 10),
		map[string]any{"email": inv.Email, "role": inv.Role})
	common.OK(c, gin.H{"invite": inv, "token": inv.Token})
}

func (h *Handler) RevokeInvite(c *gin.Context) {
	inviteID, ok := uintParam(c, "invite_id")
	if !ok {
		return
	}
	orgID, p, ok := h.authorizeResource(c, guard.PermInvitesManage, func(ctx context.Context) (guard.Resource, error) {
		orgID, _ := strconv.ParseUint(c.Param("org_id"), 10, 64)
		inv, err := h.Orgs.GetInvite(ctx, orgID, inviteID)
		if err != nil {
			return nil, err
		}
		return guard.MemberChange{OrganizationID: inv.OrganizationID, Assign: inv.Role}, nil
	})
	if !ok {
		return
	}
	if err := h.Orgs.RevokeInvite(c.Request.Context(), orgID, inviteID); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, orgID, p.UserID, audit.ActionInviteRevoke, "invite", strconv.FormatUint(inviteID, 10), nil)
	common.OK(c, gin.H{"revoked": true})
}

type acceptInviteReq struct {
	Token    string `json:"token" binding:"required"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// AcceptInvite is public: the token is the credential. A session token is returned so a
// newly created user is signed in right away.
func (h *Handler) AcceptInvite(c *gin.Context) {
	var req acceptInviteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}
	user, member, err := h.Orgs.AcceptInvite(c.Request.Context(), org.AcceptInput{
		Token:    req.Token,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, member.OrganizationID, user.ID, audit.ActionInviteAccept, "member", strconv.FormatUint(user.ID, 10),
		map[string]any{"role": member.Role})

	token, err := auth.SignJWT(user.ID, h.JWTSecret, h.tokenTTL())
	if err != nil {
		h.respondError(c, err)
		return
	}
	common.OK(c, gin.H{
		"user":   gin.H{"id": user.ID, "email": user.Email, "name": user.Name},
		"member": member,
		"token":  token,
	})
}
