package models

import (
	"time"

	"gorm.io/datatypes"
)

type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

type OrgStatus string

const (
	OrgActive    OrgStatus = "active"
	OrgSuspended OrgStatus = "suspended"
	OrgTrial     OrgStatus = "trial"
	OrgCancelled OrgStatus = "cancelled"
)

// Operational reports whether the organization may ingest events and use AI features.
func (s OrgStatus) Operational() bool {
	return s == OrgActive || s == OrgTrial
}

type Organization struct {
	ID     uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Slug   string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"slug"`
	Name   string    `gorm:"type:varchar(255);not null" json:"name"`
	Plan   Plan      `gorm:"type:varchar(16);not null;default:'free'" json:"plan"`
	Status OrgStatus `gorm:"type:varchar(16);index;not null;default:'active'" json:"status"`

	MaxUsers             int `gorm:"not null;default:5" json:"max_users"`
	MaxMessagesPerMonth  int `gorm:"not null;default:10000" json:"max_messages_per_month"`
	MaxSummariesPerMonth int `gorm:"not null;default:100" json:"max_summaries_per_month"`

	// usage counters reset when UsagePeriod rolls over
	UsagePeriod        string `gorm:"type:varchar(7)" json:"usage_period"`
	MessagesThisMonth  int    `gorm:"not null;default:0" json:"messages_this_month"`
	SummariesThisMonth int    `gorm:"not null;default:0" json:"summaries_this_month"`

	LineChannelSecret      string `gorm:"type:varchar(128)" json:"-"`
	LineChannelAccessToken string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Organization) TableName() string { return "organizations" }

// UsagePeriodFor formats t as the monthly usage bucket key.
func UsagePeriodFor(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// SummariesUsed returns the summary count for the period containing now.
func (o *Organization) SummariesUsed(now time.Time) int {
	if o.UsagePeriod != UsagePeriodFor(now) {
		return 0
	}
	return o.SummariesThisMonth
}

// SummaryQuotaLeft reports whether another summary fits in this month's quota.
// A non-positive limit means unlimited.
func (o *Organization) SummaryQuotaLeft(now time.Time) bool {
	if o.MaxSummariesPerMonth <= 0 {
		return true
	}
	return o.SummariesUsed(now) < o.MaxSummariesPerMonth
}

type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserDisabled UserStatus = "disabled"
)

type User struct {
	ID           uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Name         string     `gorm:"type:varchar(255)" json:"name"`
	PasswordHash string     `gorm:"type:varchar(255)" json:"-"`
	IsSuperAdmin bool       `gorm:"not null;default:false" json:"is_super_admin"`
	Status       UserStatus `gorm:"type:varchar(16);not null;default:'active'" json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "users" }

type MemberStatus string

const (
	MemberPending   MemberStatus = "pending"
	MemberActive    MemberStatus = "active"
	MemberSuspended MemberStatus = "suspended"
	MemberRemoved   MemberStatus = "removed"
)

type OrganizationMember struct {
	ID             uint64       `gorm:"primaryKey;autoIncrement" json:"id"`
	OrganizationID uint64       `gorm:"not null;uniqueIndex:uniq_org_member,priority:1" json:"organization_id"`
	UserID         uint64       `gorm:"not null;uniqueIndex:uniq_org_member,priority:2;index" json:"user_id"`
	Role           Role         `gorm:"type:varchar(16);not null" json:"role"`
	Status         MemberStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	InvitedBy      *uint64      `json:"invited_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (OrganizationMember) TableName() string { return "organization_members" }

type InviteToken struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrganizationID uint64     `gorm:"index;not null" json:"organization_id"`
	Token          string     `gorm:"type:varchar(36);uniqueIndex;not null" json:"-"`
	Email          string     `gorm:"type:varchar(255);not null" json:"email"`
	Role           Role       `gorm:"type:varchar(16);not null" json:"role"`
	CreatedBy      uint64     `gorm:"not null" json:"created_by"`
	ExpiresAt      time.Time  `json:"expires_at"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (InviteToken) TableName() string { return "invite_tokens" }

// Usable reports whether the invite can still be accepted at now.
func (i *InviteToken) Usable(now time.Time) bool {
	return i.UsedAt == nil && i.RevokedAt == nil && now.Before(i.ExpiresAt)
}

type AuditLog struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	OrganizationID uint64         `gorm:"index:idx_audit_org_id,priority:1;not null" json:"organization_id"`
	ActorUserID    uint64         `gorm:"index;not null" json:"actor_user_id"`
	Action         string         `gorm:"type:varchar(64);index;not null" json:"action"`
	ResourceType   string         `gorm:"type:varchar(32);not null" json:"resource_type"`
	ResourceID     string         `gorm:"type:varchar(64)" json:"resource_id"`
	Details        datatypes.JSON `json:"details"`
	RequestID      string         `gorm:"type:varchar(64)" json:"request_id,omitempty"`
	CreatedAt      time.Time      `gorm:"index:idx_audit_org_id,priority:2" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }
