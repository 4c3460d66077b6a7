package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/audit"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/chat"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/common"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/guard"
)

func (h *Handler) ListRooms(c *gin.Context) {
	orgID, _, ok := h.authorize(c, guard.PermRoomsRead)
	if !ok {
		return
	}
	limit, beforeID := pageParams(c)
	rooms, err := h.Repo.ListRooms(c.Request.Context(), orgID, limit, beforeID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var next uint64
	if len(rooms) > 0 {
		next = rooms[len(rooms)-1].ID
	}
	common.OK(c, gin.H{"rooms": rooms, "next_before_id": next})
}

func (h *Handler) ArchiveRoom(c *gin.Context) {
	roomID, ok := uintParam(c, "room_id")
	if !ok {
		return
	}
	var room *chat.Room
	_, p, ok := h.authorizeResource(c, guard.PermRoomsArchive, func(ctx context.Context) (guard.Resource, error) {
		r, err := h.Repo.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		room = r
		return r, nil
	})
	if !ok {
		return
	}
	if err := h.Manager.ArchiveRoom(c.Request.Context(), room); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, room.OrganizationID, p.UserID, audit.ActionRoomArchive, "room", room.ExternalRoomID,
		map[string]any{"room_id": room.ID, "name": room.Name})
	common.OK(c, gin.H{"room": room})
}
