package app

import (
	"context"
	"sync"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	Conn   *core.Connection
	Cancel context.CancelFunc
}

type registryShard struct {
	mu    sync.RWMutex
	users map[domain.UserID]map[core.ConnID]*connEntry
}

// Registry maps users to their live connections. The number of connections
// of a user is the size of its set; an empty set is removed.
type Registry struct {
	shards [shardCount]*registryShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{users: make(map[domain.UserID]map[core.ConnID]*connEntry)}
	}
	return r
}

func (r *Registry) shard(u domain.UserID) *registryShard {
	return r.shards[shardOf(string(u))]
}

// Register adds conn and reports whether it is the first live connection
// of its user. Registering the same connection twice reports added=false.
func (r *Registry) Register(conn *core.Connection, cancel context.CancelFunc) (added, first bool) {
	s := r.shard(conn.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.users[conn.UserID]
	if !ok {
		set = make(map[core.ConnID]*connEntry)
		s.users[conn.UserID] = set
	}
	if _, dup := set[conn.ID]; dup {
		return false, false
	}
	set[conn.ID] = &connEntry{Conn: conn, Cancel: cancel}
	log.Debug().Str("module", "app.registry").Str("user", string(conn.UserID)).Str("conn", string(conn.ID)).Int("count", len(set)).Msg("registered connection")
	return true, len(set) == 1
}

// Deregister removes conn and reports whether it was the last live
// connection of its user. Unknown connections report removed=false.
func (r *Registry) Deregister(conn *core.Connection) (removed, last bool) {
	s := r.shard(conn.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.users[conn.UserID]
	if !ok {
		return false, false
	}
	if _, ok := set[conn.ID]; !ok {
		return false, false
	}
	delete(set, conn.ID)
	log.Debug().Str("module", "app.registry").Str("user", string(conn.UserID)).Str("conn", string(conn.ID)).Int("count", len(set)).Msg("deregistered connection")
	if len(set) == 0 {
		delete(s.users, conn.UserID)
		return true, true
	}
	return true, false
}

// Connections returns every live connection of u.
func (r *Registry) Connections(u domain.UserID) []*core.Connection {
	s := r.shard(u)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.users[u]
	out := make([]*core.Connection, 0, len(set))
	for _, e := range set {
		out = append(out, e.Conn)
	}
	return out
}

func (r *Registry) Count(u domain.UserID) int {
	s := r.shard(u)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[u])
}

func (r *Registry) Online(u domain.UserID) bool {
	return r.Count(u) > 0
}

// Users returns every user with at least one live connection.
func (r *Registry) Users() []domain.UserID {
	var out []domain.UserID
	for _, s := range r.shards {
		s.mu.RLock()
		for u := range s.users {
			out = append(out, u)
		}
		s.mu.RUnlock()
	}
	return out
}

// Size is the number of live connections across all users.
func (r *Registry) Size() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.users {
			n += len(set)
		}
		s.mu.RUnlock()
	}
	return n
}

// Cancel asks the transport of conn to shut down. Cleanup follows through
// the normal disconnect path.
func (r *Registry) Cancel(conn *core.Connection) bool {
	s := r.shard(conn.UserID)
	s.mu.RLock()
	e, ok := s.users[conn.UserID][conn.ID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(conn.ID)).Msg("canceled connection")
	return true
}
