package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/logger"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActionSessionClose      = "session.close"
	ActionSummaryRegenerate = "summary.regenerate"
	ActionRoomArchive       = "room.archive"
	ActionMemberRoleChange  = "member.role_change"
	ActionMemberRemove      = "member.remove"
	ActionInviteCreate      = "invite.create"
	ActionInviteRevoke      = "invite.revoke"
	ActionInviteAccept      = "invite.accept"
)

const EventRecorded = "audit.recorded"

type Entry struct {
	OrganizationID uint64
	ActorUserID    uint64
	Action         string
	ResourceType   string
	ResourceID     string
	Details        map[string]any
	RequestID      string
}

// Publisher fans recorded entries out to the event bus.
type Publisher interface {
	Publish(ctx context.Context, orgID uint64, routingKey string, payload any) error
}

// Recorder appends audit rows. Rows are never updated or deleted.
type Recorder struct {
	db  *gorm.DB
	pub Publisher
	log *zap.Logger
}

func NewRecorder(db *gorm.DB, pub Publisher, log *zap.Logger) *Recorder {
	return &Recorder{db: db, pub: pub, log: logger.OrNop(log)}
}

func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if e.OrganizationID == 0 || strings.TrimSpace(e.Action) == "" {
		return errors.New("audit: organization and action are required")
	}

	row := &models.AuditLog{
		OrganizationID: e.OrganizationID,
		ActorUserID:    e.ActorUserID,
		Action:         e.Action,
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		RequestID:      e.RequestID,
	}
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("audit: encode details: %w", err)
		}
		row.Details = datatypes.JSON(b)
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		r.log.Error("audit write failed",
			zap.Uint64("organization_id", e.OrganizationID),
			zap.String("action", e.Action),
			zap.Error(err),
		)
		return fmt.Errorf("audit: %w", err)
	}

	if r.pub != nil {
		if err := r.pub.Publish(ctx, e.OrganizationID, EventRecorded, row); err != nil {
			r.log.Warn("publish audit event failed", zap.Uint64("audit_id", row.ID), zap.Error(err))
		}
	}
	return nil
}

type Filter struct {
	Action   string
	ActorID  uint64
	Limit    int
	BeforeID uint64
}

// List returns an organization's audit rows in DESC id order.
func (r *Recorder) List(ctx context.Context, orgID uint64, f Filter) ([]models.AuditLog, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	q := r.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("id DESC").
		Limit(f.Limit)
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.ActorID > 0 {
		q = q.Where("actor_user_id = ?", f.ActorID)
	}
	if f.BeforeID > 0 {
		q = q.Where("id < ?", f.BeforeID)
	}
	var rows []models.AuditLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
