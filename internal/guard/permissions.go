package guard

import "github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"

// Permission names one dashboard capability.
type Permission string

const (
	PermSessionsRead      Permission = "sessions:read"
	PermSessionsClose     Permission = "sessions:close"
	PermSummariesGenerate Permission = "summaries:generate"
	PermMessagesRead      Permission = "messages:read"
	PermRoomsRead         Permission = "rooms:read"
	PermRoomsArchive      Permission = "rooms:archive"
	PermMembersRead       Permission = "members:read"
	PermMembersManage     Permission = "members:manage"
	PermInvitesManage     Permission = "invites:manage"
	PermAuditRead         Permission = "audit:read"
)

var (
	viewerPerms = []Permission{PermSessionsRead, PermMessagesRead, PermRoomsRead}
	memberPerms = append(append([]Permission{}, viewerPerms...), PermSummariesGenerate, PermMembersRead)
	adminPerms  = append(append([]Permission{}, memberPerms...),
		PermSessionsClose, PermRoomsArchive, PermMembersManage, PermInvitesManage, PermAuditRead)
)

// rolePermissions is the single source of what each role may do.
var rolePermissions = map[models.Role]map[Permission]struct{}{
	models.RoleViewer: setOf(viewerPerms),
	models.RoleMember: setOf(memberPerms),
	models.RoleAdmin:  setOf(adminPerms),
	models.RoleOwner:  setOf(adminPerms),
}

func setOf(perms []Permission) map[Permission]struct{} {
	s := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// RoleHas reports whether role grants perm.
func RoleHas(role models.Role, perm Permission) bool {
	_, ok := rolePermissions[role][perm]
	return ok
}
