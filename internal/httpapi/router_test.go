package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/projectchat/internal/ai"
	"github.com/suPer8Hu/projectchat/internal/auth"
	"github.com/suPer8Hu/projectchat/internal/chat"
	"github.com/suPer8Hu/projectchat/internal/config"
	"github.com/suPer8Hu/projectchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/projectchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/projectchat/internal/project"
)

func init() { gin.SetMode(gin.TestMode) }

const secret = "test-secret"

type echoProvider struct{}

func (echoProvider) Name() string        { return "fake" }
func (echoProvider) HasCredential() bool { return true }

func (echoProvider) StreamCompletion(ctx context.Context, msgs []ai.Message, _ string, _ ai.Options) <-chan ai.Event {
	out := make(chan ai.Event, 3)
	out <- ai.ContentEvent("Hi ")
	out <- ai.ContentEvent("there")
	out <- ai.DoneEvent()
	close(out)
	return out
}

func (echoProvider) RunCompletion(context.Context, []ai.Message, string, ai.Options) (ai.Completion, error) {
	return ai.Completion{Content: "Greeting"}, nil
}

type published struct{ ids []string }

func (p *published) PublishJob(_ context.Context, id string) error {
	p.ids = append(p.ids, id)
	return nil
}

type routerOptions struct {
	heartbeat time.Duration
	limiter   middleware.Limiter
	providers map[string]ai.Provider
}

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	return newTestRouterWith(t, routerOptions{})
}

func newTestRouterWith(t *testing.T, opts routerOptions) (*gin.Engine, *gorm.DB) {
	t.Helper()
	name := strings.NewReplacer("/", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(append(chat.Models(), &project.Project{})...))

	reg := ai.NewRegistry(nil)
	reg.Register("fake", func(string) ai.Provider { return echoProvider{} })
	for id, p := range opts.providers {
		p := p
		reg.Register(id, func(string) ai.Provider { return p })
	}

	repo := chat.NewRepo(db)
	projects := project.NewStore(db)
	titles := chat.NewTitleGenerator(reg, "", "fast")
	cfg := config.Config{JWTSecret: secret, HeartbeatInterval: opts.heartbeat, RateLimitPerMinute: 30}
	svc := chat.NewService(repo, reg, projects, titles, &published{}, 20)
	orch := chat.NewOrchestrator(repo, reg, projects, titles, chat.OrchestratorConfig{WindowSize: 20, MaxImageBytes: 1 << 20, MaxImages: 4})

	h := handlers.NewHandler(cfg, svc, orch, projects, reg)
	return NewRouter(cfg, h, opts.limiter), db
}

func bearer(t *testing.T, uid uint64) string {
	t.Helper()
	tok, err := auth.SignJWT(uid, secret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func request(r http.Handler, method, path, body, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// frames splits an event-stream body into its data payloads.
func frames(body string) []string {
	var out []string
	for _, f := range strings.Split(strings.TrimSpace(body), "\n\n") {
		out = append(out, strings.TrimPrefix(f, "data: "))
	}
	return out
}

func TestStream_AnonymousGetsErrorFrame(t *testing.T) {
	r, _ := newTestRouter(t)
	w := request(r, http.MethodPost, "/chats/messages/stream", `{"provider":"fake","message":"hi"}`, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Equal(t, []string{
		`{"type":"error","message":"You must be logged in to chat."}`,
		"[DONE]",
	}, frames(w.Body.String()))
}

func TestStream_BadBody(t *testing.T) {
	r, _ := newTestRouter(t)
	w := request(r, http.MethodPost, "/chats/messages/stream", `{not json`, bearer(t, 1))
	assert.Equal(t, []string{`{"type":"error","message":"Invalid request body."}`, "[DONE]"}, frames(w.Body.String()))
}

func TestStream_NewGeneralChat(t *testing.T) {
	r, db := newTestRouter(t)
	w := request(r, http.MethodPost, "/chats/messages/stream", `{"provider":"fake","model":"m1","message":"hello"}`, bearer(t, 1))
	require.Equal(t, http.StatusOK, w.Code)

	got := frames(w.Body.String())
	require.Len(t, got, 5)

	var first ai.Event
	require.NoError(t, json.Unmarshal([]byte(got[0]), &first))
	assert.Equal(t, ai.EventChatID, first.Type)
	assert.Equal(t, `{"type":"content","text":"Hi "}`, got[1])
	assert.Equal(t, `{"type":"content","text":"there"}`, got[2])
	assert.JSONEq(t, `{"type":"title_update","chat_id":"`+first.ChatID+`","title":"Greeting"}`, got[3])
	assert.Equal(t, "[DONE]", got[4])

	var n int64
	require.NoError(t, db.Model(&chat.Message{}).Where("chat_id = ?", first.ChatID).Count(&n).Error)
	assert.EqualValues(t, 2, n)

	// The stored history is readable through the JSON API.
	w = request(r, http.MethodGet, "/chats/"+first.ChatID+"/messages", "", bearer(t, 1))
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Code int `json:"code"`
		Data struct {
			Messages []chat.Message `json:"messages"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Len(t, env.Data.Messages, 2)
	assert.Equal(t, "Hi there", env.Data.Messages[1].Content)

	w = request(r, http.MethodGet, "/chats/"+first.ChatID+"/messages", "", bearer(t, 2))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatCRUD(t *testing.T) {
	r, _ := newTestRouter(t)
	authz := bearer(t, 7)

	assert.Equal(t, http.StatusUnauthorized, request(r, http.MethodGet, "/chats", "", "").Code)

	w := request(r, http.MethodPost, "/chats", `{}`, authz)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Select a project or an AI provider.")

	w = request(r, http.MethodPost, "/chats", `{"provider":"fake","model":"m1"}`, authz)
	require.Equal(t, http.StatusOK, w.Code)
	var created struct {
		Data struct {
			Chat chat.Chat `json:"chat"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Data.Chat.ID
	require.NotEmpty(t, id)

	w = request(r, http.MethodPatch, "/chats/"+id, `{"title":"Plans"}`, authz)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"title":"Plans"`)

	w = request(r, http.MethodGet, "/chats", "", authz)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	assert.Equal(t, http.StatusOK, request(r, http.MethodDelete, "/chats/"+id, "", authz).Code)
	assert.Equal(t, http.StatusNotFound, request(r, http.MethodDelete, "/chats/"+id, "", authz).Code)
}

func TestAsyncSubmitAndPoll(t *testing.T) {
	r, _ := newTestRouter(t)
	authz := bearer(t, 3)

	req := httptest.NewRequest(http.MethodPost, "/chats/messages/async", strings.NewReader(`{"provider":"fake","model":"m1","message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authz)
	req.Header.Set("Idempotency-Key", "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Data struct {
			JobID string `json:"job_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NotEmpty(t, env.Data.JobID)

	w = request(r, http.MethodGet, "/chat/jobs/"+env.Data.JobID, "", authz)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"queued"`)

	assert.Equal(t, http.StatusNotFound, request(r, http.MethodGet, "/chat/jobs/"+env.Data.JobID, "", bearer(t, 4)).Code)
}

func TestPingProvidersAndUnknownRoute(t *testing.T) {
	r, _ := newTestRouter(t)
	assert.JSONEq(t, `{"code":0,"message":"ok","data":{"pong":true}}`, request(r, http.MethodGet, "/ping", "", "").Body.String())
	assert.Contains(t, request(r, http.MethodGet, "/providers", "", "").Body.String(), `"id":"fake"`)

	w := request(r, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "40400")
}
