package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/ai"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/db"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSummarizer struct {
	mu    sync.Mutex
	calls int
	err   error
	lines [][]ai.TranscriptLine
}

func (f *fakeSummarizer) Summarize(_ context.Context, lines []ai.TranscriptLine) (*ai.SummaryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lines = append(f.lines, lines)
	if f.err != nil {
		return nil, f.err
	}
	return &ai.SummaryResult{
		Content:   fmt.Sprintf("summary of %d messages", len(lines)),
		KeyTopics: []string{"greeting"},
		Provider:  "fake",
		Model:     "fake-1",
		Duration:  15 * time.Millisecond,
	}, nil
}

func (f *fakeSummarizer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	all := append([]any{&models.Organization{}, &models.User{}, &models.OrganizationMember{}}, AllModels()...)
	require.NoError(t, db.Migrate(gdb, all...))
	return gdb
}

func seedOrg(t *testing.T, gdb *gorm.DB, slug string) *models.Organization {
	t.Helper()
	org := &models.Organization{
		Slug:                 slug,
		Name:                 slug,
		Plan:                 models.PlanPro,
		Status:               models.OrgActive,
		MaxUsers:             10,
		MaxMessagesPerMonth:  10000,
		MaxSummariesPerMonth: 100,
	}
	require.NoError(t, gdb.Create(org).Error)
	return org
}

type testEnv struct {
	db         *gorm.DB
	repo       *Repo
	clock      *fakeClock
	summarizer *fakeSummarizer
	summaries  *SummaryService
	manager    *Manager
	resolver   *RoomResolver
	org        *models.Organization
}

func newTestEnv(t *testing.T, maxMessages int, timeout time.Duration) *testEnv {
	t.Helper()
	gdb := openTestDB(t)
	repo := NewRepo(gdb)
	clock := newFakeClock()
	fs := &fakeSummarizer{}
	svc := NewSummaryService(repo, fs, 1, nil, nil)
	svc.now = clock.Now
	mgr := NewManager(repo, NewInlineDispatcher(svc, false, nil), LifecycleConfig{
		MaxMessagesPerSession: maxMessages,
		SessionTimeout:        timeout,
	}, nil, WithClock(clock.Now))

	return &testEnv{
		db:         gdb,
		repo:       repo,
		clock:      clock,
		summarizer: fs,
		summaries:  svc,
		manager:    mgr,
		resolver:   NewRoomResolver(repo, nil, nil),
		org:        seedOrg(t, gdb, "acme"),
	}
}

func (e *testEnv) room(t *testing.T, externalID string) *Room {
	t.Helper()
	room, err := e.resolver.Resolve(context.Background(), e.org.ID, externalID, "Customer", RoomIndividual)
	require.NoError(t, err)
	return room
}

func (e *testEnv) send(t *testing.T, room *Room, text string) (*ChatSession, *Message) {
	t.Helper()
	e.clock.Advance(time.Second)
	sess, msg, err := e.manager.HandleIncomingMessage(context.Background(), room, IncomingMessage{
		ExternalMessageID: uuid.NewString(),
		SenderID:          "U1",
		SenderName:        "Customer",
		Content:           text,
		Timestamp:         e.clock.Now(),
	})
	require.NoError(t, err)
	require.NotNil(t, msg)
	return sess, msg
}

func (e *testEnv) countActive(t *testing.T, roomID uint64) int64 {
	t.Helper()
	n, err := e.repo.CountActiveSessions(context.Background(), roomID)
	require.NoError(t, err)
	return n
}

func (e *testEnv) reload(t *testing.T, sessionID string) *ChatSession {
	t.Helper()
	s, err := e.repo.GetSessionBySessionID(context.Background(), sessionID)
	require.NoError(t, err)
	return s
}

func TestHandleIncomingMessage_EndToEndMaxThree(t *testing.T) {
	env := newTestEnv(t, 3, 24*time.Hour)
	ctx := context.Background()

	var sessions []*ChatSession
	var roomIDs []uint64
	for i := 1; i <= 4; i++ {
		room := env.room(t, "U-customer")
		roomIDs = append(roomIDs, room.ID)
		sess, _ := env.send(t, room, fmt.Sprintf("message %d", i))
		sessions = append(sessions, sess)
	}

	// one room, created once
	var rooms int64
	require.NoError(t, env.db.Model(&Room{}).Count(&rooms).Error)
	assert.EqualValues(t, 1, rooms)
	assert.Equal(t, []uint64{roomIDs[0], roomIDs[0], roomIDs[0], roomIDs[0]}, roomIDs)

	a := sessions[0].SessionID
	assert.Equal(t, a, sessions[1].SessionID)
	assert.Equal(t, a, sessions[2].SessionID)
	b := sessions[3].SessionID
	assert.NotEqual(t, a, b)

	sessA := env.reload(t, a)
	assert.Equal(t, SessionClosed, sessA.Status)
	assert.Equal(t, CloseMessageLimit, sessA.CloseReason)
	assert.NotNil(t, sessA.EndTime)
	assert.Nil(t, sessA.ActiveRoomID)
	require.NotNil(t, sessA.SummaryID)

	nA, err := env.repo.CountMessages(ctx, a)
	require.NoError(t, err)
	assert.EqualValues(t, 3, nA)

	sum, err := env.repo.FindSummary(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, SummaryCompleted, sum.Status)
	assert.Equal(t, "summary of 3 messages", sum.Content)
	assert.Equal(t, 1, env.summarizer.Calls())

	sessB := env.reload(t, b)
	assert.Equal(t, SessionActive, sessB.Status)
	nB, err := env.repo.CountMessages(ctx, b)
	require.NoError(t, err)
	assert.EqualValues(t, 1, nB)
	assert.Equal(t, 1, sessB.MessageCount)

	assert.EqualValues(t, 1, env.countActive(t, roomIDs[0]))

	var room Room
	require.NoError(t, env.db.First(&room, roomIDs[0]).Error)
	assert.Equal(t, 4, room.MessageCount)
	assert.Equal(t, 2, room.SessionCount)

	var org models.Organization
	require.NoError(t, env.db.First(&org, env.org.ID).Error)
	assert.Equal(t, 4, org.MessagesThisMonth)
	assert.Equal(t, 1, org.SummariesThisMonth)
}

func TestHandleIncomingMessage_ThresholdMessageClosesSameSession(t *testing.T) {
	env := newTestEnv(t, 3, 24*time.Hour)
	room := env.room(t, "U-1")

	first, _ := env.send(t, room, "one")
	env.send(t, room, "two")

	sess, msg := env.send(t, room, "three")
	assert.Equal(t, first.SessionID, sess.SessionID)
	assert.Equal(t, first.SessionID, msg.SessionID)
	assert.Equal(t, SessionClosed, sess.Status, "closed by the post-check in the same call")
	assert.Equal(t, SessionClosed, env.reload(t, sess.SessionID).Status)
	assert.EqualValues(t, 0, env.countActive(t, room.ID))
}

func TestHandleIncomingMessage_RolloverWhenAlreadyFull(t *testing.T) {
	env := newTestEnv(t, 3, 24*time.Hour)
	ctx := context.Background()
	room := env.room(t, "U-2")

	first, _ := env.send(t, room, "one")
	// fill the active session behind the manager's back so the pre-check has to catch it
	for i := 0; i < 2; i++ {
		_, _, err := env.repo.InsertMessageOrGetExisting(ctx, &Message{
			SessionID:      first.SessionID,
			OrganizationID: env.org.ID,
			RoomID:         room.ID,
			Direction:      DirectionUser,
			ContentType:    "text",
			Content:        "backfilled",
			Timestamp:      env.clock.Now(),
		})
		require.NoError(t, err)
	}
	require.Equal(t, SessionActive, env.reload(t, first.SessionID).Status)

	sess, msg := env.send(t, room, "four")
	assert.NotEqual(t, first.SessionID, sess.SessionID)
	assert.Equal(t, sess.SessionID, msg.SessionID)
	assert.Equal(t, SessionActive, sess.Status)

	old := env.reload(t, first.SessionID)
	assert.Equal(t, SessionClosed, old.Status)
	assert.Equal(t, CloseMessageLimit, old.CloseReason)
	nOld, err := env.repo.CountMessages(ctx, first.SessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, nOld, "old session must not receive the new message")

	nNew, err := env.repo.CountMessages(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, nNew)
	assert.EqualValues(t, 1, env.countActive(t, room.ID))
}

func TestHandleIncomingMessage_AgeTriggerRollsOver(t *testing.T) {
	env := newTestEnv(t, 50, 24*time.Hour)
	room := env.room(t, "U-3")

	first, _ := env.send(t, room, "one")
	env.send(t, room, "two")

	env.clock.Advance(24*time.Hour + time.Minute)

	sess, _ := env.send(t, room, "three")
	assert.NotEqual(t, first.SessionID, sess.SessionID)

	old := env.reload(t, first.SessionID)
	assert.Equal(t, SessionClosed, old.Status)
	assert.Equal(t, CloseTimeout, old.CloseReason)
	assert.Equal(t, 2, old.MessageCount)

	n, err := env.repo.CountMessages(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestHandleIncomingMessage_SummaryFailureLeavesSessionClosed(t *testing.T) {
	env := newTestEnv(t, 2, 24*time.Hour)
	env.summarizer.err = fmt.Errorf("%w: 503", ai.ErrUpstream)
	room := env.room(t, "U-4")

	env.send(t, room, "one")
	sess, _, err := env.manager.HandleIncomingMessage(context.Background(), room, IncomingMessage{
		ExternalMessageID: "m-2",
		Content:           "two",
	})
	require.NoError(t, err)

	fresh := env.reload(t, sess.SessionID)
	assert.Equal(t, SessionClosed, fresh.Status)
	assert.Nil(t, fresh.SummaryID)

	sum, err := env.repo.FindSummary(context.Background(), sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, SummaryFailed, sum.Status)
	require.NotNil(t, sum.Error)
	assert.Contains(t, *sum.Error, "503")
}

func TestHandleIncomingMessage_DuplicateExternalIDIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 10, 24*time.Hour)
	room := env.room(t, "U-5")
	in := IncomingMessage{ExternalMessageID: "line-msg-1", Content: "hello", Timestamp: env.clock.Now()}

	s1, m1, err := env.manager.HandleIncomingMessage(context.Background(), room, in)
	require.NoError(t, err)
	s2, m2, err := env.manager.HandleIncomingMessage(context.Background(), room, in)
	require.NoError(t, err)

	assert.Equal(t, m1.ID, m2.ID)
	assert.Equal(t, s1.SessionID, s2.SessionID)
	n, err := env.repo.CountMessages(context.Background(), s1.SessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestHandleIncomingMessage_ConcurrentSameRoom(t *testing.T) {
	const (
		maxPerSession = 4
		total         = 30
	)
	env := newTestEnv(t, maxPerSession, 24*time.Hour)
	ctx := context.Background()
	room := env.room(t, "G-busy")

	var wg sync.WaitGroup
	errs := make(chan error, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := env.manager.HandleIncomingMessage(ctx, room, IncomingMessage{
				ExternalMessageID: fmt.Sprintf("m-%d", i),
				Content:           fmt.Sprintf("msg %d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, env.countActive(t, room.ID), int64(1))

	var sessions []ChatSession
	require.NoError(t, env.db.Where("room_id = ?", room.ID).Find(&sessions).Error)
	var sum int64
	for _, s := range sessions {
		n, err := env.repo.CountMessages(ctx, s.SessionID)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, int64(maxPerSession), "session %s", s.SessionID)
		if s.Status == SessionClosed {
			assert.EqualValues(t, maxPerSession, n)
		}
		sum += n
	}
	assert.EqualValues(t, total, sum)
}

func TestHandleIncomingMessage_RoomsProceedIndependently(t *testing.T) {
	env := newTestEnv(t, 2, 24*time.Hour)
	a := env.room(t, "U-a")
	b := env.room(t, "U-b")

	sa, _ := env.send(t, a, "a1")
	sb, _ := env.send(t, b, "b1")
	assert.NotEqual(t, sa.SessionID, sb.SessionID)

	env.send(t, a, "a2")
	assert.Equal(t, SessionClosed, env.reload(t, sa.SessionID).Status)
	assert.Equal(t, SessionActive, env.reload(t, sb.SessionID).Status)
}

func TestShouldClose(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	room := env.room(t, "U-6")
	sess, _ := env.send(t, room, "one")

	closeNow, reason, err := env.manager.ShouldClose(context.Background(), sess)
	require.NoError(t, err)
	assert.False(t, closeNow)
	assert.Empty(t, reason)

	env.clock.Advance(time.Hour)
	closeNow, reason, err = env.manager.ShouldClose(context.Background(), sess)
	require.NoError(t, err)
	assert.True(t, closeNow)
	assert.Equal(t, CloseTimeout, reason)

	closed := *sess
	closed.Status = SessionClosed
	closeNow, _, err = env.manager.ShouldClose(context.Background(), &closed)
	require.NoError(t, err)
	assert.False(t, closeNow)
}

func TestForceClose(t *testing.T) {
	env := newTestEnv(t, 10, 24*time.Hour)
	room := env.room(t, "U-7")
	sess, _ := env.send(t, room, "please close me")

	require.NoError(t, env.manager.ForceClose(context.Background(), sess, CloseManual))
	assert.Equal(t, SessionClosed, sess.Status)

	fresh := env.reload(t, sess.SessionID)
	assert.Equal(t, SessionClosed, fresh.Status)
	assert.Equal(t, CloseManual, fresh.CloseReason)
	assert.NotNil(t, fresh.SummaryID)
	assert.Equal(t, 1, env.summarizer.Calls())

	// already closed: no-op, no second summary
	require.NoError(t, env.manager.ForceClose(context.Background(), sess, CloseManual))
	assert.Equal(t, 1, env.summarizer.Calls())
}

func TestForceClose_SummaryFailureStillCloses(t *testing.T) {
	env := newTestEnv(t, 10, 24*time.Hour)
	env.summarizer.err = ai.ErrUpstreamTimeout
	room := env.room(t, "U-8")
	sess, _ := env.send(t, room, "hi")

	require.NoError(t, env.manager.ForceClose(context.Background(), sess, ""))
	fresh := env.reload(t, sess.SessionID)
	assert.Equal(t, SessionClosed, fresh.Status)
	assert.Equal(t, CloseManual, fresh.CloseReason)
}

func TestArchiveRoom_ClosesOpenSession(t *testing.T) {
	env := newTestEnv(t, 10, 24*time.Hour)
	room := env.room(t, "U-9")
	sess, _ := env.send(t, room, "bye")

	require.NoError(t, env.manager.ArchiveRoom(context.Background(), room))
	assert.False(t, room.IsActive)

	fresh := env.reload(t, sess.SessionID)
	assert.Equal(t, SessionClosed, fresh.Status)
	assert.Equal(t, CloseRoomArchived, fresh.CloseReason)

	// a new message reactivates through the resolver and opens a fresh session
	again := env.room(t, "U-9")
	assert.True(t, again.IsActive)
	next, _ := env.send(t, again, "back again")
	assert.NotEqual(t, sess.SessionID, next.SessionID)
}

func TestCloseExpired(t *testing.T) {
	env := newTestEnv(t, 10, time.Hour)
	stale, _ := env.send(t, env.room(t, "U-old"), "old")
	env.clock.Advance(2 * time.Hour)
	fresh, _ := env.send(t, env.room(t, "U-new"), "new")

	n, err := env.manager.CloseExpired(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, CloseTimeout, env.reload(t, stale.SessionID).CloseReason)
	assert.Equal(t, SessionActive, env.reload(t, fresh.SessionID).Status)
}

func TestHandleIncomingMessage_RequiresRoom(t *testing.T) {
	env := newTestEnv(t, 10, time.Hour)
	_, _, err := env.manager.HandleIncomingMessage(context.Background(), nil, IncomingMessage{Content: "x"})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}
