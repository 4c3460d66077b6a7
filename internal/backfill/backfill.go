// Package backfill moves rows written before organizations existed (organization_id = 0)
// into a real organization. It runs once per deployment from cmd/backfill.
package backfill

import (
	"context"
	"errors"
	"fmt"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"gorm.io/gorm"
)

// Tables that carry an organization_id, in the order they are rewritten.
var Tables = []string{"rooms", "chat_sessions", "chat_messages", "summaries", "summary_jobs"}

var ErrRoomConflict = errors.New("legacy room collides with a room already in the target organization")

// Report counts the legacy rows found (and, unless dry run, moved) per table.
type Report struct {
	OrganizationID uint64
	DryRun         bool
	Rows           map[string]int64
}

func (r Report) Total() int64 {
	var n int64
	for _, c := range r.Rows {
		n += c
	}
	return n
}

// Assign moves every legacy row to orgID inside one transaction. A legacy room whose external
// id already exists in the target organization aborts the run with ErrRoomConflict.
func Assign(ctx context.Context, db *gorm.DB, orgID uint64, dryRun bool) (*Report, error) {
	if orgID == 0 {
		return nil, errors.New("target organization id is required")
	}
	rep := &Report{OrganizationID: orgID, DryRun: dryRun, Rows: map[string]int64{}}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var org models.Organization
		if err := tx.First(&org, orgID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", models.ErrOrganizationNotFound, orgID)
			}
			return err
		}

		var conflicts int64
		if err := tx.Table("rooms AS legacy").
			Joins("JOIN rooms AS cur ON cur.external_room_id = legacy.external_room_id AND cur.organization_id = ?", orgID).
			Where("legacy.organization_id = 0").
			Count(&conflicts).Error; err != nil {
			return fmt.Errorf("check room conflicts: %w", err)
		}
		if conflicts > 0 {
			return fmt.Errorf("%w: %d rooms", ErrRoomConflict, conflicts)
		}

		for _, table := range Tables {
			if dryRun {
				var n int64
				if err := tx.Table(table).Where("organization_id = 0").Count(&n).Error; err != nil {
					return fmt.Errorf("count %s: %w", table, err)
				}
				rep.Rows[table] = n
				continue
			}
			res := tx.Table(table).Where("organization_id = 0").Update("organization_id", orgID)
			if res.Error != nil {
				return fmt.Errorf("update %s: %w", table, res.Error)
			}
			rep.Rows[table] = res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}
