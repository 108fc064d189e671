package app

import (
	"sync"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/rs/zerolog/log"
)

type roomShard struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]map[core.ConnID]*core.Connection
}

// RoomIndex tracks which connections are subscribed to which fan-out room.
type RoomIndex struct {
	shards [shardCount]*roomShard

	mu     sync.Mutex
	byConn map[core.ConnID]map[domain.RoomID]struct{}
}

func NewRoomIndex() *RoomIndex {
	ri := &RoomIndex{byConn: make(map[core.ConnID]map[domain.RoomID]struct{})}
	for i := range ri.shards {
		ri.shards[i] = &roomShard{rooms: make(map[domain.RoomID]map[core.ConnID]*core.Connection)}
	}
	return ri
}

func (ri *RoomIndex) shard(room domain.RoomID) *roomShard {
	return ri.shards[shardOf(string(room))]
}

// Join subscribes conn to room. Joining twice is harmless. A connection that
// is already closed is not added.
func (ri *RoomIndex) Join(room domain.RoomID, conn *core.Connection) bool {
	ri.mu.Lock()
	if conn.Closed() {
		ri.mu.Unlock()
		return false
	}
	set, ok := ri.byConn[conn.ID]
	if !ok {
		set = make(map[domain.RoomID]struct{})
		ri.byConn[conn.ID] = set
	}
	set[room] = struct{}{}
	ri.mu.Unlock()

	s := ri.shard(room)
	s.mu.Lock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[core.ConnID]*core.Connection)
		s.rooms[room] = members
	}
	members[conn.ID] = conn
	s.mu.Unlock()
	log.Debug().Str("module", "app.rooms").Str("room", string(room)).Str("conn", string(conn.ID)).Msg("joined room")
	return true
}

func (ri *RoomIndex) Leave(room domain.RoomID, conn *core.Connection) {
	ri.mu.Lock()
	if set, ok := ri.byConn[conn.ID]; ok {
		delete(set, room)
		if len(set) == 0 {
			delete(ri.byConn, conn.ID)
		}
	}
	ri.mu.Unlock()
	ri.removeMember(room, conn.ID)
}

// LeaveAll unsubscribes conn from every room and returns them.
func (ri *RoomIndex) LeaveAll(conn *core.Connection) []domain.RoomID {
	ri.mu.Lock()
	set := ri.byConn[conn.ID]
	delete(ri.byConn, conn.ID)
	ri.mu.Unlock()

	out := make([]domain.RoomID, 0, len(set))
	for room := range set {
		ri.removeMember(room, conn.ID)
		out = append(out, room)
	}
	return out
}

func (ri *RoomIndex) removeMember(room domain.RoomID, id core.ConnID) {
	s := ri.shard(room)
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
}

func (ri *RoomIndex) Members(room domain.RoomID) []*core.Connection {
	s := ri.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.rooms[room]
	out := make([]*core.Connection, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

func (ri *RoomIndex) Has(room domain.RoomID, id core.ConnID) bool {
	s := ri.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room][id]
	return ok
}

func (ri *RoomIndex) RoomsOf(id core.ConnID) []domain.RoomID {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	out := make([]domain.RoomID, 0, len(ri.byConn[id]))
	for room := range ri.byConn[id] {
		out = append(out, room)
	}
	return out
}
