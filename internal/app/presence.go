package app

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/dkeye/Tether/internal/metrics"
	"github.com/rs/zerolog/log"
)

const EventPresence = "presence-update"

// PresenceTracker turns registry transitions into persisted presence and
// presence-update events. Work for one user is serialized so that a fast
// reconnect cannot overtake the offline write of the previous session.
// With a shared counter the online and offline transitions are decided
// across every instance instead of by the local registry alone.
type PresenceTracker struct {
	registry *Registry
	counter  core.PresenceCounter
	profiles core.ProfileStore
	announce core.Announcer
	metrics  *metrics.Metrics
	locks    *KeyedMutex
	timeout  time.Duration
	now      func() time.Time
}

func NewPresenceTracker(reg *Registry, profiles core.ProfileStore, announce core.Announcer, m *metrics.Metrics, timeout time.Duration) *PresenceTracker {
	return &PresenceTracker{
		registry: reg,
		profiles: profiles,
		announce: announce,
		metrics:  m,
		locks:    NewKeyedMutex(),
		timeout:  timeout,
		now:      time.Now,
	}
}

// WithCounter makes c the source of truth for online transitions.
func (p *PresenceTracker) WithCounter(c core.PresenceCounter) *PresenceTracker {
	p.counter = c
	return p
}

// crossed moves the shared count by one and reports whether it crossed
// between zero and one. Without a counter, or when it fails, the local
// registry answer stands.
func (p *PresenceTracker) crossed(ctx context.Context, u domain.UserID, up, local bool) bool {
	if p.counter == nil {
		return local
	}
	op, step := "presence_decr", p.counter.Decr
	if up {
		op, step = "presence_incr", p.counter.Incr
	}
	sctx, done := context.WithTimeout(ctx, p.timeout)
	defer done()
	n, err := step(sctx, u)
	if err != nil {
		p.metrics.StoreErrors.WithLabelValues(op).Inc()
		log.Warn().Err(err).Str("module", "app.presence").Str("user", string(u)).Str("op", op).Msg("presence counter failed, using local count")
		return local
	}
	if up {
		return n == 1
	}
	return n <= 0
}

// Connect registers conn; on the first connection of the user it persists
// the online flag and then announces it.
func (p *PresenceTracker) Connect(ctx context.Context, conn *core.Connection, cancel context.CancelFunc) {
	unlock := p.locks.Lock(string(conn.UserID))
	defer unlock()

	added, localFirst := p.registry.Register(conn, cancel)
	if !added {
		return
	}
	p.metrics.Connections.Inc()
	if localFirst {
		p.metrics.OnlineUsers.Inc()
	}
	sctx, done := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer done()
	first := p.crossed(sctx, conn.UserID, true, localFirst)
	if !first {
		return
	}
	p.metrics.PresenceTransitions.WithLabelValues("online").Inc()

	if err := p.profiles.SetOnline(sctx, conn.UserID, true, time.Time{}); err != nil {
		p.metrics.StoreErrors.WithLabelValues("set_online").Inc()
		log.Warn().Err(err).Str("module", "app.presence").Str("user", string(conn.UserID)).Msg("persist online failed")
	}
	p.announce.ToAll(core.Event{Type: EventPresence, Data: domain.OnlinePresence(conn.UserID)}, conn.UserID)
	log.Info().Str("module", "app.presence").Str("user", string(conn.UserID)).Msg("user online")
}

// Disconnect deregisters conn; when the last connection of the user is gone
// it persists the offline flag with last seen and then announces it.
func (p *PresenceTracker) Disconnect(ctx context.Context, conn *core.Connection) bool {
	unlock := p.locks.Lock(string(conn.UserID))
	defer unlock()

	removed, localLast := p.registry.Deregister(conn)
	if !removed {
		return false
	}
	p.metrics.Connections.Dec()
	if localLast {
		p.metrics.OnlineUsers.Dec()
	}
	sctx, done := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer done()
	last := p.crossed(sctx, conn.UserID, false, localLast)
	if !last {
		return false
	}
	p.metrics.PresenceTransitions.WithLabelValues("offline").Inc()

	at := p.now().UTC()
	if err := p.profiles.SetOnline(sctx, conn.UserID, false, at); err != nil {
		p.metrics.StoreErrors.WithLabelValues("set_offline").Inc()
		log.Warn().Err(err).Str("module", "app.presence").Str("user", string(conn.UserID)).Msg("persist offline failed")
	}
	p.announce.ToAll(core.Event{Type: EventPresence, Data: domain.OfflinePresence(conn.UserID, at)}, conn.UserID)
	log.Info().Str("module", "app.presence").Str("user", string(conn.UserID)).Msg("user offline")
	return true
}

// Online reports whether u has a live connection on any instance.
func (p *PresenceTracker) Online(ctx context.Context, u domain.UserID) bool {
	if p.registry.Online(u) {
		return true
	}
	if p.counter == nil {
		return false
	}
	sctx, done := context.WithTimeout(ctx, p.timeout)
	defer done()
	n, err := p.counter.Count(sctx, u)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Str("user", string(u)).Msg("presence count failed")
		return false
	}
	return n > 0
}

// GetPresence answers from live connections first and falls back to the
// persisted flag.
func (p *PresenceTracker) GetPresence(ctx context.Context, u domain.UserID) (domain.Presence, error) {
	if p.Online(ctx, u) {
		return domain.OnlinePresence(u), nil
	}
	sctx, done := context.WithTimeout(ctx, p.timeout)
	defer done()
	pr, err := p.profiles.GetPresence(sctx, u)
	if errors.Is(err, core.ErrNotFound) {
		return domain.Presence{UserID: u}, nil
	}
	if err != nil {
		return domain.Presence{}, core.StoreFailure("get presence", err)
	}
	pr.UserID = u
	if pr.Online {
		pr.LastSeen = nil
	}
	return pr, nil
}
