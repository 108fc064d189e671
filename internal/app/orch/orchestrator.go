// Package orch ties the per-connection lifecycle to the app services.
package orch

import (
	"context"

	"github.com/dkeye/Tether/internal/app"
	"github.com/dkeye/Tether/internal/core"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry  *app.Registry
	Rooms     *app.RoomIndex
	Presence  *app.PresenceTracker
	Messaging *app.Messaging
	Media     *app.Media
	Calls     *app.Calls
}

// Connect registers an authenticated connection. cancel shuts its
// transport down and is what a kick calls.
func (o *Orchestrator) Connect(ctx context.Context, conn *core.Connection, cancel context.CancelFunc) {
	o.Presence.Connect(ctx, conn, cancel)
	log.Info().Str("module", "orch").Str("user", string(conn.UserID)).Str("conn", string(conn.ID)).Str("device", conn.DeviceID).Msg("connected")
}

// Disconnect runs the full teardown of conn exactly once, however many
// times and from wherever it is called.
func (o *Orchestrator) Disconnect(ctx context.Context, conn *core.Connection) {
	if !conn.MarkClosed() {
		return
	}
	o.cleanupMedia(conn)
	o.cleanupMembership(conn)
	if last := o.Presence.Disconnect(ctx, conn); last {
		o.Calls.DropUser(conn.UserID)
	}
	log.Info().Str("module", "orch").Str("user", string(conn.UserID)).Str("conn", string(conn.ID)).Msg("disconnected")
}

// Kick closes the transport of conn; teardown follows through Disconnect.
func (o *Orchestrator) Kick(conn *core.Connection) bool {
	return o.Registry.Cancel(conn)
}
