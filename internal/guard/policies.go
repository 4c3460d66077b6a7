package guard

import (
	"context"
	"fmt"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
)

// MemberTarget is implemented by resources that refer to a membership, so the
// owner-protection policy can see which role is being touched.
type MemberTarget interface {
	Resource
	TargetRole() models.Role
	// NewRole is the role being assigned, or empty when none is.
	NewRole() models.Role
}

func defaultPolicies() map[Permission][]Policy {
	return map[Permission][]Policy{
		PermSessionsClose:     {requireRole(models.RoleAdmin)},
		PermSummariesGenerate: {requireOperational, requireSummaryQuota},
		PermMembersManage:     {ownerManagesOwners},
		PermInvitesManage:     {ownerManagesOwners},
	}
}

func requireRole(min models.Role) Policy {
	return func(_ context.Context, req Request) string {
		if !req.Role.AtLeast(min) {
			return fmt.Sprintf("requires %s or higher", min)
		}
		return ""
	}
}

func requireOperational(_ context.Context, req Request) string {
	if !req.Org.Status.Operational() {
		return fmt.Sprintf("organization is %s", req.Org.Status)
	}
	return ""
}

func requireSummaryQuota(_ context.Context, req Request) string {
	if !req.Org.SummaryQuotaLeft(req.Now) {
		return fmt.Sprintf("monthly summary quota of %d reached", req.Org.MaxSummariesPerMonth)
	}
	return ""
}

// ownerManagesOwners: only an owner may change, remove, create or invite an owner.
func ownerManagesOwners(_ context.Context, req Request) string {
	t, ok := req.Resource.(MemberTarget)
	if !ok || req.Role == models.RoleOwner {
		return ""
	}
	if t.TargetRole() == models.RoleOwner || t.NewRole() == models.RoleOwner {
		return "only an owner can manage owner memberships"
	}
	return ""
}

// MemberChange describes a membership or invite being changed.
type MemberChange struct {
	OrganizationID uint64
	Current        models.Role
	Assign         models.Role
}

func (c MemberChange) OrgID() uint64           { return c.OrganizationID }
func (c MemberChange) TargetRole() models.Role { return c.Current }
func (c MemberChange) NewRole() models.Role    { return c.Assign }
