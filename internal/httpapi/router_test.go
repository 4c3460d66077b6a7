package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/ai"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/audit"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/auth"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/chat"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/db"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/guard"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/httpapi/handlers"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/ingest"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/line"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/org"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	jwtSecret     = "test-secret"
	channelSecret = "line-secret"
)

type stubSummarizer struct{}

func (stubSummarizer) Summarize(_ context.Context, lines []ai.TranscriptLine) (*ai.SummaryResult, error) {
	return &ai.SummaryResult{
		Content:   fmt.Sprintf("%d lines discussed", len(lines)),
		KeyTopics: []string{"support"},
		Provider:  "stub",
		Model:     "stub-1",
	}, nil
}

type apiEnv struct {
	db      *gorm.DB
	repo    *chat.Repo
	manager *chat.Manager
	handler *handlers.Handler
	router  *gin.Engine
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := db.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	all := append([]any{
		&models.Organization{}, &models.User{}, &models.OrganizationMember{},
		&models.InviteToken{}, &models.AuditLog{},
	}, chat.AllModels()...)
	require.NoError(t, db.Migrate(gdb, all...))

	log := zap.NewNop()
	repo := chat.NewRepo(gdb)
	summaries := chat.NewSummaryService(repo, stubSummarizer{}, 1, nil, log)
	dispatcher := chat.NewInlineDispatcher(summaries, false, log)
	manager := chat.NewManager(repo, dispatcher, chat.LifecycleConfig{MaxMessagesPerSession: 50, SessionTimeout: 24 * time.Hour}, log)
	orgs := org.NewService(gdb, nil, log)

	h := &handlers.Handler{
		Orgs:       orgs,
		Guard:      guard.New(orgs),
		Audit:      audit.NewRecorder(gdb, nil, log),
		Repo:       repo,
		Manager:    manager,
		Summaries:  summaries,
		Dispatcher: dispatcher,
		Gateway:    ingest.NewGateway(orgs, chat.NewRoomResolver(repo, nil, log), manager, log),
		JWTSecret:  jwtSecret,
		TokenTTL:   time.Hour,
		Log:        log,
	}
	return &apiEnv{db: gdb, repo: repo, manager: manager, handler: h, router: NewRouter(h, jwtSecret, log)}
}

func (e *apiEnv) org(t *testing.T, slug string) *models.Organization {
	t.Helper()
	o := &models.Organization{Slug: slug, Name: slug, Status: models.OrgActive, MaxUsers: 10,
		MaxSummariesPerMonth: 100, LineChannelSecret: channelSecret}
	require.NoError(t, e.db.Create(o).Error)
	return o
}

func (e *apiEnv) user(t *testing.T, o *models.Organization, role models.Role) string {
	t.Helper()
	u := &models.User{Email: uuid.NewString() + "@test.local", Name: string(role), Status: models.UserActive}
	require.NoError(t, e.db.Create(u).Error)
	if o != nil {
		require.NoError(t, e.db.Create(&models.OrganizationMember{
			OrganizationID: o.ID, UserID: u.ID, Role: role, Status: models.MemberActive,
		}).Error)
	}
	token, err := auth.SignJWT(u.ID, jwtSecret, time.Hour)
	require.NoError(t, err)
	return token
}

// session opens a session with n messages in a fresh room of o.
func (e *apiEnv) session(t *testing.T, o *models.Organization, n int) *chat.ChatSession {
	t.Helper()
	ctx := context.Background()
	room, err := chat.NewRoomResolver(e.repo, nil, nil).Resolve(ctx, o.ID, "U"+uuid.NewString(), "Customer", chat.RoomIndividual)
	require.NoError(t, err)
	var sess *chat.ChatSession
	for i := 0; i < n; i++ {
		sess, _, err = e.manager.HandleIncomingMessage(ctx, room, chat.IncomingMessage{
			ExternalMessageID: uuid.NewString(),
			SenderID:          "U1",
			Content:           fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
	}
	return sess
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (e *apiEnv) status(t *testing.T, sessionID string) chat.SessionStatus {
	t.Helper()
	s, err := e.repo.GetSessionBySessionID(context.Background(), sessionID)
	require.NoError(t, err)
	return s.Status
}

func (e *apiEnv) auditCount(t *testing.T, orgID uint64, action string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&models.AuditLog{}).
		Where("organization_id = ? AND action = ?", orgID, action).Count(&n).Error)
	return n
}

func TestCloseSession_CrossTenantIsForbidden(t *testing.T) {
	e := newAPIEnv(t)
	a := e.org(t, "org-a")
	b := e.org(t, "org-b")
	adminA := e.user(t, a, models.RoleAdmin)
	sessB := e.session(t, b, 2)

	code, env := e.do(t, http.MethodPost, fmt.Sprintf("/api/orgs/%d/sessions/%s/close", a.ID, sessB.SessionID), adminA, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, 40301, env.Code)
	assert.Equal(t, "resource belongs to another organization", env.Message)

	// addressing B directly does not help either: not a member there
	code, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/orgs/%d/sessions/%s/close", b.ID, sessB.SessionID), adminA, nil)
	assert.Equal(t, http.StatusForbidden, code)

	assert.Equal(t, chat.SessionActive, e.status(t, sessB.SessionID))
	assert.Zero(t, e.auditCount(t, a.ID, audit.ActionSessionClose))
	assert.Zero(t, e.auditCount(t, b.ID, audit.ActionSessionClose))
}

func TestCloseSession_AdminClosesAndSummarizes(t *testing.T) {
	e := newAPIEnv(t)
	o := e.org(t, "acme")
	admin := e.user(t, o, models.RoleAdmin)
	viewer := e.user(t, o, models.RoleViewer)
	sess := e.session(t, o, 3)
	path := fmt.Sprintf("/api/orgs/%d/sessions/%s/close", o.ID, sess.SessionID)

	code, _ := e.do(t, http.MethodPost, path, viewer, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, chat.SessionActive, e.status(t, sess.SessionID))

	code, env := e.do(t, http.MethodPost, path, admin, nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, chat.SessionClosed, e.status(t, sess.SessionID))
	assert.Equal(t, int64(1), e.auditCount(t, o.ID, audit.ActionSessionClose))

	sum, err := e.repo.FindSummary(context.Background(), sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, "3 lines discussed", sum.Content)

	// closing again is a no-op and records nothing new
	code, _ = e.do(t, http.MethodPost, path, admin, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(1), e.auditCount(t, o.ID, audit.ActionSessionClose))
}

func TestGenerateSummary(t *testing.T) {
	e := newAPIEnv(t)
	o := e.org(t, "acme")
	member := e.user(t, o, models.RoleMember)
	sess := e.session(t, o, 2)
	path := fmt.Sprintf("/api/orgs/%d/sessions/%s/summary", o.ID, sess.SessionID)

	code, env := e.do(t, http.MethodPost, path, member, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, 40901, env.Code)

	require.NoError(t, e.manager.ForceClose(context.Background(), sess, chat.CloseManual))

	code, env = e.do(t, http.MethodPost, path, member, nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	var data struct {
		Summary chat.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "2 lines discussed", data.Summary.Content)
	assert.Equal(t, int64(1), e.auditCount(t, o.ID, audit.ActionSummaryRegenerate))
}

func TestReadEndpoints(t *testing.T) {
	e := newAPIEnv(t)
	o := e.org(t, "acme")
	viewer := e.user(t, o, models.RoleViewer)
	sess := e.session(t, o, 3)

	code, env := e.do(t, http.MethodGet, fmt.Sprintf("/api/orgs/%d/sessions/%s/messages?limit=2", o.ID, sess.SessionID), viewer, nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	var page struct {
		Messages     []chat.Message `json:"messages"`
		NextBeforeID uint64         `json:"next_before_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "message 2", page.Messages[0].Content)
	assert.Equal(t, page.Messages[1].ID, page.NextBeforeID)

	code, env = e.do(t, http.MethodGet, fmt.Sprintf("/api/orgs/%d/messages/search?q=MESSAGE%%201", o.ID), viewer, nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Contains(t, string(env.Data), "message 1")

	code, _ = e.do(t, http.MethodGet, fmt.Sprintf("/api/orgs/%d/sessions/%s", o.ID, "01HZZZZZZZZZZZZZZZZZZZZZZZ"), viewer, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodGet, fmt.Sprintf("/api/orgs/%d/audit-logs", o.ID), viewer, nil)
	assert.Equal(t, http.StatusForbidden, code, "viewers cannot read the audit log")

	code, _ = e.do(t, http.MethodGet, fmt.Sprintf("/api/orgs/%d/rooms", o.ID), "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestMissingResourceDoesNotLeakToOutsiders(t *testing.T) {
	e := newAPIEnv(t)
	o := e.org(t, "acme")
	outsider := e.user(t, nil, "")

	code, _ := e.do(t, http.MethodGet, fmt.Sprintf("/api/orgs/%d/sessions/%s", o.ID, "01HZZZZZZZZZZZZZZZZZZZZZZZ"), outsider, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env := e.do(t, http.MethodGet, "/api/orgs/9999/sessions", outsider, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 40401, env.Code)
}

func TestMembersAndInvites(t *testing.T) {
	e := newAPIEnv(t)
	o := e.org(t, "acme")
	owner := e.user(t, o, models.RoleOwner)
	admin := e.user(t, o, models.RoleAdmin)

	// admins cannot hand out ownership
	code, _ := e.do(t, http.MethodPost, fmt.Sprintf("/api/orgs/%d/invites", o.ID), admin,
		map[string]string{"email": "boss@test.local", "role": "owner"})
	assert.Equal(t, http.StatusForbidden, code)

	code, env := e.do(t, http.MethodPost, fmt.Sprintf("/api/orgs/%d/invites", o.ID), admin,
		map[string]string{"email": "new@test.local", "role": "member"})
	require.Equal(t, http.StatusOK, code, env.Message)
	var created struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.Token)

	code, env = e.do(t, http.MethodPost, "/api/invites/accept", "",
		map[string]string{"token": created.Token, "name": "New", "password": "long-password"})
	require.Equal(t, http.StatusOK, code, env.Message)
	var accepted struct {
		Token string `json:"token"`
		User  struct {
			ID uint64 `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &accepted))
	uid, err := auth.ParseJWT(accepted.Token, jwtSecret)
	require.NoError(t, err)
	assert.Equal(t, accepted.User.ID, uid)

	// the new member can use the dashboard right away
	code, _ = e.do(t, http.MethodGet, fmt.Sprintf("/api/orgs/%d/sessions", o.ID), accepted.Token, nil)
	assert.Equal(t, http.StatusOK, code)

	// the only owner cannot be demoted, even by themself
	var ownerIDs []uint64
	require.NoError(t, e.db.Model(&models.OrganizationMember{}).
		Where("organization_id = ? AND role = ?", o.ID, models.RoleOwner).
		Pluck("user_id", &ownerIDs).Error)
	require.Len(t, ownerIDs, 1)
	ownerID := ownerIDs[0]
	code, env = e.do(t, http.MethodPatch, fmt.Sprintf("/api/orgs/%d/members/%d", o.ID, ownerID), owner,
		map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, 40903, env.Code)

	code, _ = e.do(t, http.MethodPatch, fmt.Sprintf("/api/orgs/%d/members/%d", o.ID, accepted.User.ID), admin,
		map[string]string{"role": "viewer"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(1), e.auditCount(t, o.ID, audit.ActionMemberRoleChange))
	assert.Equal(t, int64(1), e.auditCount(t, o.ID, audit.ActionInviteAccept))
}

func TestLineWebhook(t *testing.T) {
	e := newAPIEnv(t)
	o := e.org(t, "acme")
	body := []byte(`{"destination":"U0","events":[{"type":"message","webhookEventId":"e1","timestamp":1700000000000,
		"source":{"type":"user","userId":"U1"},"message":{"id":"m1","type":"text","text":"hi"}}]}`)

	post := func(sig string) (int, envelope) {
		req := httptest.NewRequest(http.MethodPost, "/webhook/line/acme", bytes.NewReader(body))
		req.Header.Set(line.SignatureHeader, sig)
		w := httptest.NewRecorder()
		e.router.ServeHTTP(w, req)
		var env envelope
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
		return w.Code, env
	}

	code, env := post("bad")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, 40103, env.Code)

	code, env = post(line.Sign(channelSecret, body))
	require.Equal(t, http.StatusOK, code, env.Message)
	var res ingest.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, 1, res.Processed)

	room, err := e.repo.FindRoom(context.Background(), o.ID, "U1")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, 1, room.MessageCount)
}

func TestLineWebhook_BodyReadErrors(t *testing.T) {
	e := newAPIEnv(t)
	e.org(t, "acme")

	post := func(body io.Reader) (int, envelope) {
		req := httptest.NewRequest(http.MethodPost, "/webhook/line/acme", body)
		w := httptest.NewRecorder()
		e.router.ServeHTTP(w, req)
		var env envelope
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
		return w.Code, env
	}

	code, env := post(bytes.NewReader(bytes.Repeat([]byte("a"), 1<<20+1)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	assert.Equal(t, "body too large", env.Message)

	code, env = post(iotest.ErrReader(errors.New("connection reset by peer")))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 10002, env.Code)
	assert.Equal(t, "read body failed", env.Message)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []chat.SummaryRequest
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req chat.SummaryRequest) (*chat.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return &chat.DispatchResult{}, nil
}

func TestGenerateSummary_SuperadminUsesSessionOrganization(t *testing.T) {
	e := newAPIEnv(t)
	a := e.org(t, "org-a")
	b := e.org(t, "org-b")
	sessB := e.session(t, b, 2)
	require.NoError(t, e.manager.ForceClose(context.Background(), sessB, chat.CloseManual))

	rec := &recordingDispatcher{}
	e.handler.Dispatcher = rec

	root := &models.User{Email: uuid.NewString() + "@test.local", Name: "root", Status: models.UserActive, IsSuperAdmin: true}
	require.NoError(t, e.db.Create(root).Error)
	token, err := auth.SignJWT(root.ID, jwtSecret, time.Hour)
	require.NoError(t, err)

	code, env := e.do(t, http.MethodPost, fmt.Sprintf("/api/orgs/%d/sessions/%s/summary", a.ID, sessB.SessionID), token, nil)
	require.Equal(t, http.StatusOK, code, env.Message)

	require.Len(t, rec.reqs, 1)
	assert.Equal(t, b.ID, rec.reqs[0].OrganizationID)
	assert.Equal(t, int64(1), e.auditCount(t, b.ID, audit.ActionSummaryRegenerate))
	assert.Zero(t, e.auditCount(t, a.ID, audit.ActionSummaryRegenerate))
}

func TestGenerateSummary_StaleAttemptIsNotInProgress(t *testing.T) {
	e := newAPIEnv(t)
	o := e.org(t, "acme")
	admin := e.user(t, o, models.RoleAdmin)
	sess := e.session(t, o, 2)
	require.NoError(t, e.manager.ForceClose(context.Background(), sess, chat.CloseManual))
	path := fmt.Sprintf("/api/orgs/%d/sessions/%s/summary", o.ID, sess.SessionID)

	// a live attempt blocks a second one
	require.NoError(t, e.db.Model(&chat.ChatSession{}).Where("id = ?", sess.ID).
		Updates(map[string]any{"status": chat.SessionSummarizing, "summarizing_since": time.Now()}).Error)
	code, env := e.do(t, http.MethodPost, path, admin, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, 40902, env.Code)

	// an attempt abandoned long ago does not
	require.NoError(t, e.db.Model(&chat.ChatSession{}).Where("id = ?", sess.ID).
		Update("summarizing_since", time.Now().Add(-time.Hour)).Error)
	code, env = e.do(t, http.MethodPost, path, admin, nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, chat.SessionClosed, e.status(t, sess.SessionID))
}
