package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dkeye/Tether/internal/adapters/store/memory"
	"github.com/dkeye/Tether/internal/app"
	"github.com/dkeye/Tether/internal/app/orch"
	"github.com/dkeye/Tether/internal/config"
	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/dkeye/Tether/internal/metrics"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alice domain.UserID = "aaaaaaaaaaaaaaaaaaaaaaaa"

// headerAuth accepts any request carrying X-User.
type headerAuth struct{}

func (headerAuth) Authenticate(r *http.Request) (core.Identity, error) {
	u := r.Header.Get("X-User")
	if u == "" {
		return core.Identity{}, core.Unauthenticated("missing token")
	}
	return core.Identity{UserID: domain.UserID(u), Verifier: "test"}, nil
}

type stubWorker struct{ ready bool }

func (w stubWorker) Ready() bool { return w.ready }
func (stubWorker) CreateRouter(context.Context, string) (core.Router, error) {
	return nil, errors.New("no routers here")
}
func (stubWorker) Close() error { return nil }

func newRouter(t *testing.T, profiles *memory.Profiles, ready bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	reg := app.NewRegistry()
	rooms := app.NewRoomIndex()
	hub := app.NewHub(reg, rooms, app.SimplePolicy{}, m)
	o := &orch.Orchestrator{
		Registry: reg,
		Rooms:    rooms,
		Presence: app.NewPresenceTracker(reg, profiles, hub, m, time.Second),
		Calls:    app.NewCalls(memory.NewRelationships(), hub, m, time.Minute, time.Second),
	}
	cfg := &config.Config{Mode: "test", Secret: "cookie-secret"}
	return SetupRouter(context.Background(), cfg, Deps{Orch: o, Auth: headerAuth{}, Worker: stubWorker{ready: ready}, Gatherer: promReg})
}

func TestHealthzReportsWorkerReadiness(t *testing.T) {
	for _, ready := range []bool{true, false} {
		r := newRouter(t, memory.NewProfiles(), ready)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if ready {
			assert.Equal(t, http.StatusOK, w.Code)
		} else {
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		}
	}
}

func TestPresenceEndpoint(t *testing.T) {
	profiles := memory.NewProfiles()
	seen := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, profiles.SetOnline(context.Background(), alice, false, seen))
	r := newRouter(t, profiles, true)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/presence/"+string(alice), nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/presence/"+string(alice), nil)
	req.Header.Set("X-User", "bbbbbbbbbbbbbbbbbbbbbbbb")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var pr domain.Presence
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pr))
	assert.False(t, pr.Online)
	require.NotNil(t, pr.LastSeen)
	assert.True(t, seen.Equal(*pr.LastSeen))

	req = httptest.NewRequest(http.MethodGet, "/api/presence/not-an-id", nil)
	req.Header.Set("X-User", "bbbbbbbbbbbbbbbbbbbbbbbb")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionName {
			return c
		}
	}
	return nil
}

func TestClientTokenCookieIsIssuedOnce(t *testing.T) {
	r := newRouter(t, memory.NewProfiles(), true)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	ct := sessionCookie(w)
	require.NotNil(t, ct)
	assert.True(t, ct.HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.AddCookie(ct)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Nil(t, sessionCookie(w))
}

func TestDeviceIDSurvivesInSession(t *testing.T) {
	r := gin.New()
	r.Use(sessions.Sessions(sessionName, cookie.NewStore([]byte("test-secret"))))
	r.Use(ClientTokenMiddleware())
	r.GET("/device", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(clientTokenKey)) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/device", nil))
	first := w.Body.String()
	require.NotEmpty(t, first)
	ct := sessionCookie(w)
	require.NotNil(t, ct)

	req := httptest.NewRequest(http.MethodGet, "/device", nil)
	req.AddCookie(ct)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, first, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/device", nil))
	assert.NotEqual(t, first, w.Body.String(), "a fresh browser gets a fresh device")
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRouter(t, memory.NewProfiles(), true)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tether_connections")
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusOf(core.NotFound(core.ReasonChatNotFound, "x")))
	assert.Equal(t, http.StatusTooManyRequests, statusOf(core.RateLimited()))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(core.StoreFailure("op", errors.New("down"))))
	assert.Equal(t, http.StatusInternalServerError, statusOf(errors.New("boom")))
}
