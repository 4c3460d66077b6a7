package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/db"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb, &models.AuditLog{}))
	return gdb
}

type capturePublisher struct {
	keys []string
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, _ uint64, key string, _ any) error {
	p.keys = append(p.keys, key)
	return p.err
}

func TestRecord_WritesRowAndPublishes(t *testing.T) {
	gdb := openTestDB(t)
	pub := &capturePublisher{err: errors.New("bus offline")}
	rec := NewRecorder(gdb, pub, nil)
	ctx := context.Background()

	err := rec.Record(ctx, Entry{
		OrganizationID: 7,
		ActorUserID:    3,
		Action:         ActionSessionClose,
		ResourceType:   "session",
		ResourceID:     "01J0000000000000000000000A",
		Details:        map[string]any{"reason": "manual"},
		RequestID:      "req-1",
	})
	require.NoError(t, err, "publish failure is not an audit failure")
	assert.Equal(t, []string{EventRecorded}, pub.keys)

	rows, err := rec.List(ctx, 7, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ActionSessionClose, rows[0].Action)
	assert.Equal(t, "req-1", rows[0].RequestID)

	var details map[string]string
	require.NoError(t, json.Unmarshal(rows[0].Details, &details))
	assert.Equal(t, "manual", details["reason"])
}

func TestRecord_Validates(t *testing.T) {
	rec := NewRecorder(openTestDB(t), nil, nil)
	assert.Error(t, rec.Record(context.Background(), Entry{Action: ActionRoomArchive}))
	assert.Error(t, rec.Record(context.Background(), Entry{OrganizationID: 1}))
}

func TestList_ScopedFilteredAndPaged(t *testing.T) {
	rec := NewRecorder(openTestDB(t), nil, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, rec.Record(ctx, Entry{OrganizationID: 1, ActorUserID: 1, Action: ActionInviteCreate}))
	}
	require.NoError(t, rec.Record(ctx, Entry{OrganizationID: 1, ActorUserID: 2, Action: ActionMemberRemove}))
	require.NoError(t, rec.Record(ctx, Entry{OrganizationID: 2, ActorUserID: 9, Action: ActionMemberRemove}))

	page, err := rec.List(ctx, 1, Filter{Limit: 4})
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Greater(t, page[0].ID, page[1].ID)

	rest, err := rec.List(ctx, 1, Filter{Limit: 4, BeforeID: page[3].ID})
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	removes, err := rec.List(ctx, 1, Filter{Action: ActionMemberRemove})
	require.NoError(t, err)
	require.Len(t, removes, 1)
	assert.EqualValues(t, 2, removes[0].ActorUserID)
}
