// Package signal is the WebSocket face of the server: it authenticates the
// handshake, pumps frames and dispatches named commands to the app services.
package signal

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Tether/internal/app/orch"
	"github.com/dkeye/Tether/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:  64 << 10,
		PingPeriod: 25 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  5 * time.Second,
		SendBuffer: 64,
	}
}

type SignalWSController struct {
	Orch *orch.Orchestrator
	Auth core.IdentityProvider

	opts     Options
	upgrader websocket.Upgrader
	handlers map[string]handlerFunc
}

func NewSignalWSController(o *orch.Orchestrator, auth core.IdentityProvider, opts Options) *SignalWSController {
	ctl := &SignalWSController{Orch: o, Auth: auth, opts: opts}
	ctl.upgrader = websocket.Upgrader{CheckOrigin: ctl.checkOrigin}
	ctl.handlers = ctl.routes()
	return ctl
}

// checkOrigin allows any origin when none are configured.
func (ctl *SignalWSController) checkOrigin(r *http.Request) bool {
	if len(ctl.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(ctl.opts.AllowedOrigins, origin)
}

// WsSignalConn is the send side of one WebSocket. Frames queue in send and
// writePump drains them.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// HandleSignal authenticates the handshake and runs the connection until
// either side closes it. A failed authentication never upgrades.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	id, err := ctl.Auth.Authenticate(c.Request)
	if err != nil {
		reason, msg := core.ReasonOf(err)
		log.Warn().Err(err).Str("module", "signal").Str("remote", c.ClientIP()).Msg("authentication failed")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"reason": reason, "error": msg})
		return
	}

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	sig := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	conn := core.NewConnection(id.UserID, c.GetString("client_token"), sig)

	connCtx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(connCtx, conn, cancel)
	log.Info().Str("module", "signal").Str("user", string(conn.UserID)).Str("conn", string(conn.ID)).Str("verifier", id.Verifier).Msg("new WS connection")

	go ctl.writePump(connCtx, sig)
	go ctl.readPump(connCtx, cancel, conn, sig)
}
