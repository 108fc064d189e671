package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Tether/internal/adapters/auth"
	"github.com/dkeye/Tether/internal/adapters/store/memory"
	"github.com/dkeye/Tether/internal/app"
	"github.com/dkeye/Tether/internal/app/orch"
	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/dkeye/Tether/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice domain.UserID = "aaaaaaaaaaaaaaaaaaaaaaaa"
	bob   domain.UserID = "bbbbbbbbbbbbbbbbbbbbbbbb"

	testSecret = "signal-test-secret"
)

// idleWorker is a media worker that never becomes ready.
type idleWorker struct{}

func (idleWorker) Ready() bool { return false }
func (idleWorker) CreateRouter(context.Context, string) (core.Router, error) {
	return nil, context.Canceled
}
func (idleWorker) Close() error { return nil }

type testServer struct {
	srv  *httptest.Server
	rels *memory.Relationships
	o    *orch.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := metrics.New(nil)
	reg := app.NewRegistry()
	rooms := app.NewRoomIndex()
	hub := app.NewHub(reg, rooms, app.SimplePolicy{}, m)
	rels := memory.NewRelationships()
	presence := app.NewPresenceTracker(reg, memory.NewProfiles(), hub, m, time.Second)
	limiter := app.NewRateLimiter(30, time.Minute, time.Minute, m)
	o := &orch.Orchestrator{
		Registry: reg,
		Rooms:    rooms,
		Presence: presence,
		Messaging: app.NewMessaging(app.MessagingDeps{
			Store: memory.NewConversations(), Oracle: rels, Limiter: limiter,
			Registry: reg, Rooms: rooms, Presence: presence, Bcast: hub, Metrics: m,
		}, app.MessagingOptions{MaxTextLen: 1000, StoreTimeout: time.Second}),
		Media: app.NewMedia(idleWorker{}, rooms, hub, m),
		Calls: app.NewCalls(rels, hub, m, time.Minute, time.Second),
	}
	t.Cleanup(o.Calls.Close)

	provider, err := auth.NewProvider([]string{testSecret}, "token", m)
	require.NoError(t, err)
	ctl := NewSignalWSController(o, provider, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, rels: rels, o: o}
}

func token(t *testing.T, u domain.UserID) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		UserID:           string(u),
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (ts *testServer) dial(t *testing.T, u domain.UserID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?token=" + token(t, u)
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.Eventually(t, func() bool { return ts.o.Registry.Online(u) }, time.Second, 5*time.Millisecond)
	return c
}

type frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Reason string          `json:"reason"`
	Data   json.RawMessage `json:"data"`
}

func send(t *testing.T, c *websocket.Conn, typ, id string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(envelope{Type: typ, ID: id, Data: raw}))
}

// expect reads frames until one matches typ, skipping unrelated events.
func expect(t *testing.T, c *websocket.Conn, typ string) frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(t, c.ReadJSON(&f), "waiting for %s", typ)
		if f.Type == typ {
			return f
		}
	}
}

func TestHandshakeWithoutTokenIsRejected(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, ts.o.Registry.Size())
}

func TestPingAndWhoami(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t, alice)

	send(t, c, "ping", "", nil)
	expect(t, c, "pong")

	send(t, c, "whoami", "w1", nil)
	f := expect(t, c, "ack")
	assert.Equal(t, "w1", f.ID)
	assert.Equal(t, "ok", f.Status)
	var who whoamiResp
	require.NoError(t, json.Unmarshal(f.Data, &who))
	assert.Equal(t, string(alice), who.UserID)
	assert.NotEmpty(t, who.ConnID)
}

func TestUnknownAndMalformedCommands(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t, alice)

	send(t, c, "teleport", "x1", nil)
	f := expect(t, c, "ack")
	assert.Equal(t, "error", f.Status)
	assert.Equal(t, string(core.ReasonUnknownCommand), f.Reason)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f = expect(t, c, "error")
	var ev errorEvent
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, core.ReasonInvalidPayload, ev.Reason)
}

func TestDirectMessageRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ts.rels.Accept(alice, bob)
	a := ts.dial(t, alice)
	b := ts.dial(t, bob)

	send(t, a, "join-conversation", "j1", targetReq{TargetUserID: bob})
	require.Equal(t, "ok", expect(t, a, "ack").Status)
	send(t, b, "join-conversation", "j2", targetReq{TargetUserID: alice})
	require.Equal(t, "ok", expect(t, b, "ack").Status)

	send(t, a, "send-message", "m1", map[string]any{"targetUserId": bob, "messageType": "text", "text": " hello "})
	ackFrame := expect(t, a, "ack")
	require.Equal(t, "ok", ackFrame.Status, ackFrame.Reason)
	var sent app.SendAck
	require.NoError(t, json.Unmarshal(ackFrame.Data, &sent))
	assert.Equal(t, domain.StatusDelivered, sent.Status)

	got := expect(t, b, app.EventMessage)
	var ev app.MessageEvent
	require.NoError(t, json.Unmarshal(got.Data, &ev))
	assert.Equal(t, sent.MessageID, ev.Message.ID)
	assert.Equal(t, "hello", ev.Message.Text)
}

func TestSendToStrangerFailsWithoutDisconnecting(t *testing.T) {
	ts := newTestServer(t)
	a := ts.dial(t, alice)

	send(t, a, "send-message", "", map[string]any{"targetUserId": bob, "text": "hi"})
	f := expect(t, a, "error")
	var ev errorEvent
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, "send-message", ev.Command)
	assert.Equal(t, core.ReasonNotConnected, ev.Reason)

	send(t, a, "ping", "", nil)
	expect(t, a, "pong")
}

func TestCallInitiateAndAccept(t *testing.T) {
	ts := newTestServer(t)
	ts.rels.Accept(alice, bob)
	a := ts.dial(t, alice)
	b := ts.dial(t, bob)

	send(t, a, "call-initiate", "c1", callInitiateReq{ToUserID: bob, CallType: domain.CallVideo})
	require.Equal(t, "ok", expect(t, a, "ack").Status)

	var incoming app.CallEvent
	require.NoError(t, json.Unmarshal(expect(t, b, app.EventIncomingCall).Data, &incoming))
	assert.Equal(t, alice, incoming.FromUserID)
	assert.Equal(t, domain.CallVideo, incoming.CallType)

	send(t, b, "call-accept", "", callReq{CallID: incoming.CallID})
	expect(t, a, app.EventCallAccepted)

	send(t, a, "call-status", "s1", nil)
	var st callStatusResp
	require.NoError(t, json.Unmarshal(expect(t, a, "ack").Data, &st))
	assert.True(t, st.InCall)
	assert.Equal(t, domain.CallAccepted, st.Call.State)
}

func TestCloseEndsCallForPeer(t *testing.T) {
	ts := newTestServer(t)
	ts.rels.Accept(alice, bob)
	a := ts.dial(t, alice)
	b := ts.dial(t, bob)

	send(t, a, "call-initiate", "c1", callInitiateReq{ToUserID: bob})
	require.Equal(t, "ok", expect(t, a, "ack").Status)
	expect(t, b, app.EventIncomingCall)

	require.NoError(t, a.Close())
	var ended app.CallEvent
	require.NoError(t, json.Unmarshal(expect(t, b, app.EventCallEnded).Data, &ended))
	assert.Equal(t, app.EndDisconnected, ended.Reason)
	assert.Eventually(t, func() bool { return !ts.o.Registry.Online(alice) }, time.Second, 5*time.Millisecond)
}

func TestJoinRoomWithoutWorker(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t, alice)

	send(t, c, "join-room", "r1", roomReq{RoomID: "standup"})
	f := expect(t, c, "ack")
	assert.Equal(t, "error", f.Status)
	assert.Equal(t, string(core.ReasonWorkerNotReady), f.Reason)
}
