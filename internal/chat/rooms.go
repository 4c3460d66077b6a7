package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/logger"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"go.uber.org/zap"
)

// NameLookup resolves a display name for an external room, e.g. from a profile lookup.
type NameLookup interface {
	DisplayName(ctx context.Context, org *models.Organization, externalRoomID string, kind RoomKind) (string, error)
}

// RoomResolver maps external conversation ids to Room rows, creating them on first contact.
type RoomResolver struct {
	repo  *Repo
	names NameLookup
	log   *zap.Logger
}

func NewRoomResolver(repo *Repo, names NameLookup, log *zap.Logger) *RoomResolver {
	return &RoomResolver{repo: repo, names: names, log: logger.OrNop(log)}
}

// Resolve returns the room for (orgID, externalRoomID), creating it if unseen.
// At most one room write happens per call.
func (r *RoomResolver) Resolve(ctx context.Context, orgID uint64, externalRoomID, nameHint string, kind RoomKind) (*Room, error) {
	externalRoomID = strings.TrimSpace(externalRoomID)
	if externalRoomID == "" {
		return nil, fmt.Errorf("%w: external room id is empty", ErrInvalidArgument)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: room kind %q", ErrInvalidArgument, kind)
	}

	org, err := r.repo.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !org.Status.Operational() {
		return nil, fmt.Errorf("%w: organization %d is %s", ErrTenantNotFound, orgID, org.Status)
	}

	room, err := r.repo.FindRoom(ctx, orgID, externalRoomID)
	if err != nil {
		return nil, err
	}
	if room != nil {
		r.refresh(ctx, org, room, nameHint)
		return room, nil
	}

	room = &Room{
		OrganizationID: orgID,
		ExternalRoomID: externalRoomID,
		Name:           r.bestName(ctx, org, externalRoomID, nameHint, kind),
		Kind:           kind,
		IsActive:       true,
	}
	if err := r.repo.CreateRoom(ctx, room); err != nil {
		// someone else created it first; use theirs
		existing, getErr := r.repo.FindRoom(ctx, orgID, externalRoomID)
		if getErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create room: %w", err)
	}

	r.log.Info("room created",
		zap.Uint64("organization_id", orgID),
		zap.Uint64("room_id", room.ID),
		zap.String("kind", string(kind)),
	)
	return room, nil
}

// refresh reactivates an archived room and fills a missing name, in one write.
// Failures are logged; the room is still usable.
func (r *RoomResolver) refresh(ctx context.Context, org *models.Organization, room *Room, nameHint string) {
	fields := map[string]any{}
	if !room.IsActive {
		fields["is_active"] = true
	}
	if room.Name == "" || room.Name == room.ExternalRoomID {
		if name := r.bestName(ctx, org, room.ExternalRoomID, nameHint, room.Kind); name != "" && name != room.Name {
			fields["name"] = name
		}
	}
	if len(fields) == 0 {
		return
	}
	if err := r.repo.UpdateRoom(ctx, room.ID, fields); err != nil {
		r.log.Warn("refresh room failed", zap.Uint64("room_id", room.ID), zap.Error(err))
		return
	}
	if name, ok := fields["name"].(string); ok {
		room.Name = name
	}
	room.IsActive = true
}

func (r *RoomResolver) bestName(ctx context.Context, org *models.Organization, externalRoomID, hint string, kind RoomKind) string {
	if r.names != nil {
		name, err := r.names.DisplayName(ctx, org, externalRoomID, kind)
		if err != nil {
			r.log.Warn("room name lookup failed",
				zap.Uint64("organization_id", org.ID),
				zap.String("external_room_id", externalRoomID),
				zap.Error(err),
			)
		} else if strings.TrimSpace(name) != "" {
			return strings.TrimSpace(name)
		}
	}
	return strings.TrimSpace(hint)
}
