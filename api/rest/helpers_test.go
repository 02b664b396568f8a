package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendsync/config"
	mw "github.com/kasuganosora/friendsync/middleware"
	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/relation"
	"github.com/kasuganosora/friendsync/testutil"
	"github.com/kasuganosora/friendsync/users"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret   = "test-secret"
	testAdminKey = "admin-key"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	svc    *relation.Service
	users  *users.Directory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := testutil.SetupTestStore(t)
	c, _ := testutil.SetupTestCache(t)
	dir := users.NewDirectory(s)
	queue := relation.NewRepairQueue(c)
	svc := relation.NewService(s, relation.Deps{Users: dir, Queue: queue},
		relation.Options{TransitionTimeout: 5 * time.Second, EffectTimeout: 5 * time.Second}, zap.NewNop())
	t.Cleanup(svc.Wait)

	for _, u := range []model.User{
		{ID: "alice", Email: "alice@example.com"},
		{ID: "bob", Email: "bob@example.com"},
		{ID: "carol", Email: "carol@example.com"},
	} {
		_, err := dir.Register(context.Background(), u)
		require.NoError(t, err)
	}

	r := gin.New()
	r.Use(mw.TraceID())
	rel := NewRelationshipHandler(svc, zap.NewNop())
	g := r.Group("/api/relationships", mw.Auth(config.SecurityConfig{JWTSecret: testSecret}))
	g.GET("", rel.List)
	g.POST("/requests", rel.SendRequest)
	g.POST("/requests/:key/accept", rel.Accept)
	g.POST("/requests/:key/reject", rel.Reject)
	g.DELETE("/friends/:id", rel.Unfriend)
	g.POST("/blocks/:id", rel.Block)
	g.DELETE("/blocks/:id", rel.Unblock)

	admin := NewAdminHandler(svc, dir, queue, nil, zap.NewNop())
	a := r.Group("/api/admin", mw.AdminKey(testAdminKey))
	a.GET("/consistency/:a/:b", admin.Consistency)
	a.POST("/repair/:a/:b", admin.Repair)
	a.GET("/relationships/:key/events", admin.Events)
	a.POST("/users", admin.RegisterUser)
	a.GET("/status", admin.Status)

	return &testServer{router: r, svc: svc, users: dir}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	tok, err := mw.GenerateToken(userID, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

// doRequest sends a request with optional JSON body and bearer token.
func doRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func doAdmin(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", testAdminKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (ts *testServer) befriend(t *testing.T, a, b string) string {
	t.Helper()
	w := doRequest(ts.router, http.MethodPost, "/api/relationships/requests", map[string]string{"target": b}, tokenFor(t, a))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	key := decode(t, w)["relationshipKey"].(string)
	w = doRequest(ts.router, http.MethodPost, "/api/relationships/requests/"+key+"/accept", nil, tokenFor(t, b))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return key
}
