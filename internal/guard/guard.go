// Package guard decides whether a caller may perform a dashboard operation inside an
// organization. A check runs in order: platform superadmin bypass, organization lookup,
// active membership, role permission table, resource ownership, then any attribute
// policies registered for the permission.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
)

var ErrTenantNotFound = models.ErrOrganizationNotFound

// DenyReason classifies a denial.
type DenyReason int

const (
	ReasonNone DenyReason = iota
	ReasonNotMember
	ReasonRole
	ReasonOtherTenant
	ReasonPolicy
)

func (r DenyReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNotMember:
		return "not an active member"
	case ReasonRole:
		return "role lacks permission"
	case ReasonOtherTenant:
		return "resource belongs to another organization"
	case ReasonPolicy:
		return "policy denied"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Authorize. Message is safe to show to the caller.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	Message string
	// Role is the caller's role in the organization; empty for superadmin bypass.
	Role models.Role
}

func allow(role models.Role) Decision {
	return Decision{Allowed: true, Role: role}
}

func deny(reason DenyReason, msg string) Decision {
	if msg == "" {
		msg = reason.String()
	}
	return Decision{Reason: reason, Message: msg}
}

// Principal is the authenticated caller.
type Principal struct {
	UserID       uint64
	IsSuperAdmin bool
}

// Resource is anything scoped to one organization.
type Resource interface {
	OrgID() uint64
}

// Directory looks up organizations and memberships.
type Directory interface {
	GetOrganization(ctx context.Context, orgID uint64) (*models.Organization, error)
	// FindMembership returns nil, nil when the user has no membership row.
	FindMembership(ctx context.Context, orgID, userID uint64) (*models.OrganizationMember, error)
}

// Request is what an attribute policy sees.
type Request struct {
	Principal  Principal
	Role       models.Role
	Org        *models.Organization
	Permission Permission
	Resource   Resource
	Now        time.Time
}

// Policy returns a non-empty message to deny.
type Policy func(ctx context.Context, req Request) string

type Guard struct {
	dir      Directory
	policies map[Permission][]Policy
	now      func() time.Time
}

// New returns a guard with the default attribute policies installed.
func New(dir Directory) *Guard {
	g := &Guard{dir: dir, policies: map[Permission][]Policy{}, now: time.Now}
	for perm, ps := range defaultPolicies() {
		for _, p := range ps {
			g.AddPolicy(perm, p)
		}
	}
	return g
}

func (g *Guard) AddPolicy(perm Permission, p Policy) {
	g.policies[perm] = append(g.policies[perm], p)
}

// Authorize checks principal against perm in orgID. resource may be nil for collection
// operations. An error is returned only when the lookup itself failed or the organization
// does not exist; denials come back as a Decision.
func (g *Guard) Authorize(ctx context.Context, p Principal, orgID uint64, perm Permission, resource Resource) (Decision, error) {
	if p.IsSuperAdmin {
		return allow(""), nil
	}

	org, err := g.dir.GetOrganization(ctx, orgID)
	if err != nil {
		return Decision{}, err
	}
	if org == nil {
		return Decision{}, fmt.Errorf("%w: %d", ErrTenantNotFound, orgID)
	}

	m, err := g.dir.FindMembership(ctx, orgID, p.UserID)
	if err != nil {
		return Decision{}, err
	}
	if m == nil || m.Status != models.MemberActive {
		return deny(ReasonNotMember, ""), nil
	}
	if !RoleHas(m.Role, perm) {
		return deny(ReasonRole, fmt.Sprintf("role %s lacks %s", m.Role, perm)), nil
	}
	if resource != nil && resource.OrgID() != orgID {
		return deny(ReasonOtherTenant, ""), nil
	}

	req := Request{Principal: p, Role: m.Role, Org: org, Permission: perm, Resource: resource, Now: g.now()}
	for _, policy := range g.policies[perm] {
		if msg := policy(ctx, req); msg != "" {
			return deny(ReasonPolicy, msg), nil
		}
	}
	return allow(m.Role), nil
}
