package org

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/auth"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/email"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/logger"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultInviteTTL = 7 * 24 * time.Hour
	slugCacheTTL     = time.Minute
)

type InviteMailer interface {
	SendInvite(inv email.Invite) error
}

// Service manages organizations, memberships and invites.
type Service struct {
	db        *gorm.DB
	slugs     *cache.Cache
	mailer    InviteMailer
	inviteTTL time.Duration
	now       func() time.Time
	log       *zap.Logger
}

func NewService(db *gorm.DB, mailer InviteMailer, log *zap.Logger) *Service {
	return &Service{
		db:        db,
		slugs:     cache.New(slugCacheTTL, 5*time.Minute),
		mailer:    mailer,
		inviteTTL: DefaultInviteTTL,
		now:       time.Now,
		log:       logger.OrNop(log),
	}
}

func (s *Service) GetOrganization(ctx context.Context, id uint64) (*models.Organization, error) {
	var o models.Organization
	if err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return &o, nil
}

// GetBySlug resolves the organization addressed by a webhook URL. Hits are cached briefly
// because every LINE delivery performs this lookup.
func (s *Service) GetBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return nil, ErrTenantNotFound
	}
	if v, ok := s.slugs.Get(slug); ok {
		o := *v.(*models.Organization)
		return &o, nil
	}

	var o models.Organization
	if err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	cached := o
	s.slugs.Set(slug, &cached, cache.DefaultExpiration)
	return &o, nil
}

func (s *Service) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &u, nil
}

// FindMembership returns nil, nil when there is no membership row.
func (s *Service) FindMembership(ctx context.Context, orgID, userID uint64) (*models.OrganizationMember, error) {
	var rows []models.OrganizationMember
	if err := s.db.WithContext(ctx).
		Where("organization_id = ? AND user_id = ?", orgID, userID).
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetMember returns a non-removed membership with its user loaded.
func (s *Service) GetMember(ctx context.Context, orgID, userID uint64) (*models.OrganizationMember, error) {
	var m models.OrganizationMember
	err := s.db.WithContext(ctx).
		Preload("User").
		Where("organization_id = ? AND user_id = ? AND status <> ?", orgID, userID, models.MemberRemoved).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Service) ListMembers(ctx context.Context, orgID uint64) ([]models.OrganizationMember, error) {
	var rows []models.OrganizationMember
	if err := s.db.WithContext(ctx).
		Preload("User").
		Where("organization_id = ? AND status <> ?", orgID, models.MemberRemoved).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ChangeRole assigns role to a member. Demoting the last active owner fails with ErrLastOwner.
func (s *Service) ChangeRole(ctx context.Context, orgID, userID uint64, role models.Role) (*models.OrganizationMember, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidArgument, role)
	}

	var out models.OrganizationMember
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := memberForUpdate(tx, orgID, userID)
		if err != nil {
			return err
		}
		if m.Role == role {
			out = *m
			return nil
		}
		if m.Role == models.RoleOwner && m.Status == models.MemberActive {
			if err := ensureAnotherOwner(tx, orgID, m.ID); err != nil {
				return err
			}
		}
		if err := tx.Model(m).Update("role", role).Error; err != nil {
			return err
		}
		m.Role = role
		out = *m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("member role changed",
		zap.Uint64("organization_id", orgID),
		zap.Uint64("user_id", userID),
		zap.String("role", string(role)),
	)
	return &out, nil
}

// RemoveMember marks a membership removed. Removing the last active owner fails with ErrLastOwner.
func (s *Service) RemoveMember(ctx context.Context, orgID, userID uint64) (*models.OrganizationMember, error) {
	var out models.OrganizationMember
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := memberForUpdate(tx, orgID, userID)
		if err != nil {
			return err
		}
		if m.Role == models.RoleOwner && m.Status == models.MemberActive {
			if err := ensureAnotherOwner(tx, orgID, m.ID); err != nil {
				return err
			}
		}
		if err := tx.Model(m).Update("status", models.MemberRemoved).Error; err != nil {
			return err
		}
		m.Status = models.MemberRemoved
		out = *m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("member removed", zap.Uint64("organization_id", orgID), zap.Uint64("user_id", userID))
	return &out, nil
}

func memberForUpdate(tx *gorm.DB, orgID, userID uint64) (*models.OrganizationMember, error) {
	var m models.OrganizationMember
	err := tx.Where("organization_id = ? AND user_id = ? AND status <> ?", orgID, userID, models.MemberRemoved).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &m, nil
}

func ensureAnotherOwner(tx *gorm.DB, orgID, exceptMemberID uint64) error {
	var n int64
	if err := tx.Model(&models.OrganizationMember{}).
		Where("organization_id = ? AND role = ? AND status = ? AND id <> ?",
			orgID, models.RoleOwner, models.MemberActive, exceptMemberID).
		Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrLastOwner
	}
	return nil
}

// CreateInvite issues an invite token and mails it. A mail failure is logged; the invite
// stays valid and its link can be shared by other means.
func (s *Service) CreateInvite(ctx context.Context, orgID uint64, address string, role models.Role, createdBy uint64) (*models.InviteToken, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(address))
	if err != nil {
		return nil, fmt.Errorf("%w: email: %w", ErrInvalidArgument, err)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidArgument, role)
	}
	o, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	inv := &models.InviteToken{
		OrganizationID: orgID,
		Token:          uuid.NewString(),
		Email:          strings.ToLower(addr.Address),
		Role:           role,
		CreatedBy:      createdBy,
		ExpiresAt:      s.now().Add(s.inviteTTL),
	}
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		return nil, err
	}

	if s.mailer != nil {
		if err := s.mailer.SendInvite(email.Invite{
			To:        inv.Email,
			OrgName:   o.Name,
			Role:      string(role),
			Token:     inv.Token,
			ExpiresAt: inv.ExpiresAt,
		}); err != nil {
			s.log.Warn("invite mail not delivered", zap.Uint64("invite_id", inv.ID), zap.Error(err))
		}
	}
	return inv, nil
}

// ListInvites returns invites that are neither used nor revoked, newest first.
func (s *Service) ListInvites(ctx context.Context, orgID uint64) ([]models.InviteToken, error) {
	var rows []models.InviteToken
	if err := s.db.WithContext(ctx).
		Where("organization_id = ? AND used_at IS NULL AND revoked_at IS NULL", orgID).
		Order("id DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) GetInvite(ctx context.Context, orgID, inviteID uint64) (*models.InviteToken, error) {
	var inv models.InviteToken
	if err := s.db.WithContext(ctx).
		Where("organization_id = ? AND id = ?", orgID, inviteID).
		First(&inv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInviteNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func (s *Service) RevokeInvite(ctx context.Context, orgID, inviteID uint64) error {
	res := s.db.WithContext(ctx).Model(&models.InviteToken{}).
		Where("organization_id = ? AND id = ? AND used_at IS NULL AND revoked_at IS NULL", orgID, inviteID).
		Update("revoked_at", s.now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetInvite(ctx, orgID, inviteID); err != nil {
			return err
		}
		return ErrInviteInvalid
	}
	return nil
}

type AcceptInput struct {
	Token    string
	Name     string
	Password string
}

// AcceptInvite redeems an invite token. A user is created for an unknown email; then the
// membership is created or reactivated, subject to the organization's user limit.
func (s *Service) AcceptInvite(ctx context.Context, in AcceptInput) (*models.User, *models.OrganizationMember, error) {
	token := strings.TrimSpace(in.Token)
	if token == "" {
		return nil, nil, ErrInviteInvalid
	}

	var user models.User
	var member models.OrganizationMember
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv models.InviteToken
		if err := tx.Where("token = ?", token).First(&inv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInviteInvalid
			}
			return err
		}
		now := s.now()
		if !inv.Usable(now) {
			return ErrInviteInvalid
		}

		var o models.Organization
		if err := tx.First(&o, "id = ?", inv.OrganizationID).Error; err != nil {
			return err
		}

		if err := findOrCreateUser(tx, inv.Email, in, &user); err != nil {
			return err
		}

		existing, err := findMember(tx, o.ID, user.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == models.MemberActive {
			return ErrAlreadyMember
		}

		if o.MaxUsers > 0 {
			var active int64
			if err := tx.Model(&models.OrganizationMember{}).
				Where("organization_id = ? AND status = ?", o.ID, models.MemberActive).
				Count(&active).Error; err != nil {
				return err
			}
			if active >= int64(o.MaxUsers) {
				return fmt.Errorf("%w: %d of %d", ErrQuotaExceeded, active, o.MaxUsers)
			}
		}

		invitedBy := inv.CreatedBy
		if existing != nil {
			if err := tx.Model(existing).Updates(map[string]any{
				"role":       inv.Role,
				"status":     models.MemberActive,
				"invited_by": invitedBy,
			}).Error; err != nil {
				return err
			}
			member = *existing
			member.Role = inv.Role
			member.Status = models.MemberActive
			member.InvitedBy = &invitedBy
		} else {
			member = models.OrganizationMember{
				OrganizationID: o.ID,
				UserID:         user.ID,
				Role:           inv.Role,
				Status:         models.MemberActive,
				InvitedBy:      &invitedBy,
			}
			if err := tx.Create(&member).Error; err != nil {
				return err
			}
		}

		res := tx.Model(&models.InviteToken{}).
			Where("id = ? AND used_at IS NULL", inv.ID).
			Update("used_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInviteInvalid
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.Info("invite accepted",
		zap.Uint64("organization_id", member.OrganizationID),
		zap.Uint64("user_id", user.ID),
		zap.String("role", string(member.Role)),
	)
	return &user, &member, nil
}

func findOrCreateUser(tx *gorm.DB, address string, in AcceptInput, out *models.User) error {
	var users []models.User
	if err := tx.Where("email = ?", address).Limit(1).Find(&users).Error; err != nil {
		return err
	}
	if len(users) > 0 {
		*out = users[0]
		if out.Status != models.UserActive {
			return fmt.Errorf("%w: user is %s", ErrInviteInvalid, out.Status)
		}
		return nil
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = strings.SplitN(address, "@", 2)[0]
	}
	*out = models.User{Email: address, Name: name, PasswordHash: hash, Status: models.UserActive}
	return tx.Create(out).Error
}

func findMember(tx *gorm.DB, orgID, userID uint64) (*models.OrganizationMember, error) {
	var rows []models.OrganizationMember
	if err := tx.Where("organization_id = ? AND user_id = ?", orgID, userID).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
