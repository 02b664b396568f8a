package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendsync/api/rest"
	"github.com/kasuganosora/friendsync/api/sse"
	"github.com/kasuganosora/friendsync/archive"
	"github.com/kasuganosora/friendsync/audit"
	"github.com/kasuganosora/friendsync/cache"
	"github.com/kasuganosora/friendsync/config"
	mw "github.com/kasuganosora/friendsync/middleware"
	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/notify"
	"github.com/kasuganosora/friendsync/relation"
	"github.com/kasuganosora/friendsync/scheduler"
	"github.com/kasuganosora/friendsync/store"
	"github.com/kasuganosora/friendsync/store/sqlstore"
	"github.com/kasuganosora/friendsync/testutil"
	"github.com/kasuganosora/friendsync/users"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const adminKey = "integration-admin-key"

// TestServer wraps a real HTTP server with every subsystem wired together
// over the SQL record store.
type TestServer struct {
	DB       *gorm.DB
	Store    store.Store
	Cache    cache.Cache
	PubSub   cache.PubSub
	Service  *relation.Service
	Users    *users.Directory
	Audit    *audit.Service
	Archiver *archive.Archiver
	Server   *httptest.Server
	URL      string // http://127.0.0.1:<port>
	Sec      config.SecurityConfig
}

// NewTestServer creates a fully wired server for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// ---- Infrastructure ----
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()
	st := sqlstore.New(db, 5, logger)

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
		AllowedOrigins: []string{}, // allow all origins
	}

	// ---- Services ----
	auditSvc := audit.New(db, logger)
	dir := users.NewDirectory(st)
	archiver := archive.New(st, archive.NewIndex(st), c, 2, logger)
	queue := relation.NewRepairQueue(c)
	svc := relation.NewService(st, relation.Deps{
		Users:    dir,
		Archiver: archiver,
		Notifier: notify.New(pubsub, logger),
		Auditor:  auditSvc,
		Queue:    queue,
	}, relation.Options{TransitionTimeout: 10 * time.Second, EffectTimeout: 10 * time.Second}, logger)

	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)

	// ---- Gin HTTP Server ----
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(sec.RateLimitRPS), sec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	relH := rest.NewRelationshipHandler(svc, logger)
	adminH := rest.NewAdminHandler(svc, dir, queue, sched, logger)

	api := r.Group("/api")
	{
		relG := api.Group("/relationships")
		relG.Use(mw.Auth(sec))
		relG.GET("", relH.List)
		relG.POST("/requests", relH.SendRequest)
		relG.POST("/requests/:key/accept", relH.Accept)
		relG.POST("/requests/:key/reject", relH.Reject)
		relG.DELETE("/friends/:id", relH.Unfriend)
		relG.POST("/blocks/:id", relH.Block)
		relG.DELETE("/blocks/:id", relH.Unblock)

		adminG := api.Group("/admin")
		adminG.Use(mw.IPAllowlist([]string{"127.0.0.1", "::1"}), mw.AdminKey(adminKey))
		adminG.GET("/status", adminH.Status)
		adminG.GET("/consistency/:a/:b", adminH.Consistency)
		adminG.POST("/repair/:a/:b", adminH.Repair)
		adminG.GET("/relationships/:key/events", adminH.Events)
		adminG.POST("/users", adminH.RegisterUser)
	}

	// ---- SSE ----
	sseH := sse.NewHandler(pubsub, sec, logger)
	r.GET("/sse", sseH.ServeSSE)

	// ---- Start server ----
	server := httptest.NewServer(r)
	ts := &TestServer{
		DB:       db,
		Store:    st,
		Cache:    c,
		PubSub:   pubsub,
		Service:  svc,
		Users:    dir,
		Audit:    auditSvc,
		Archiver: archiver,
		Server:   server,
		URL:      server.URL,
		Sec:      sec,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the server, waits for pending side effects and flushes
// the audit log.
func (ts *TestServer) Close() {
	ts.Server.Close()
	ts.Service.Wait()
	ts.Audit.Stop(context.Background())
}

// Settle waits for the side effects of every transition made so far.
func (ts *TestServer) Settle() { ts.Service.Wait() }

// --- HTTP helpers ---

func (ts *TestServer) do(t *testing.T, method, path string, body interface{}, header http.Header) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, bodyReader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func bearer(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPost, path, body, bearer(token))
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodGet, path, nil, bearer(token))
}

// Delete sends a DELETE request with optional Bearer token.
func (ts *TestServer) Delete(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodDelete, path, nil, bearer(token))
}

// Admin sends a request carrying the admin key.
func (ts *TestServer) Admin(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	h := http.Header{}
	h.Set(mw.AdminKeyHeader, adminKey)
	return ts.do(t, method, path, body, h)
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// Expect asserts the status of resp and returns its decoded body.
func Expect(t *testing.T, resp *http.Response, status int) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	ReadJSON(t, resp, &body)
	require.Equal(t, status, resp.StatusCode, "body: %v", body)
	return body
}

// --- Identity helpers ---

// Register creates a user through the admin API and returns a token for it.
func (ts *TestServer) Register(t *testing.T, id, email string) string {
	t.Helper()
	Expect(t, ts.Admin(t, http.MethodPost, "/api/admin/users", map[string]string{"id": id, "email": email}), http.StatusCreated)
	return ts.Token(t, id)
}

// Token signs a session token for userID.
func (ts *TestServer) Token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := mw.GenerateToken(userID, ts.Sec.JWTSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

// --- Content helpers ---

// SeedMessage writes a message into conversationID as sender.
func (ts *TestServer) SeedMessage(t *testing.T, conversationID, messageID, sender string) {
	t.Helper()
	w, err := store.SetJSON(archive.MessageRef(conversationID, messageID), &model.Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       sender,
		Body:           "hello from " + sender,
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, ts.Store.Batch(context.Background(), []store.Write{w}))
}

// Message reads a message back; nil when it no longer exists.
func (ts *TestServer) Message(t *testing.T, conversationID, messageID string) *model.Message {
	t.Helper()
	snap, err := ts.Store.Get(context.Background(), archive.MessageRef(conversationID, messageID))
	require.NoError(t, err)
	if !snap.Exists {
		return nil
	}
	var m model.Message
	require.NoError(t, snap.Decode(&m))
	return &m
}

// --- SSE helpers ---

// SSEClient reads server-sent events from an open stream.
type SSEClient struct {
	rd *bufio.Reader
}

// ConnectSSE opens the notification stream for token and waits for the
// connected event. The stream is closed when the test ends.
func (ts *TestServer) ConnectSSE(t *testing.T, token string) *SSEClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse?token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})

	sc := &SSEClient{rd: bufio.NewReader(resp.Body)}
	event, _ := sc.Next(t)
	require.Equal(t, "connected", event)
	return sc
}

// Next blocks for the next event and returns its name and data.
func (sc *SSEClient) Next(t *testing.T) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := sc.rd.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" {
				return event, data
			}
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

// NextNotification decodes the next notification event.
func (sc *SSEClient) NextNotification(t *testing.T) notify.Event {
	t.Helper()
	event, data := sc.Next(t)
	require.Equal(t, "notification", event)
	var ev notify.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	return ev
}
