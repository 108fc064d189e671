package app

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/dkeye/Tether/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	EventNewProducer     = "new-producer"
	EventParticipantLeft = "participant-left"
	EventRoomMessage     = "room-message"
)

// roomMessageMax bounds in-room chat lines, counted in runes.
const roomMessageMax = 1000

type RoomMessageEvent struct {
	RoomID     domain.RoomID `json:"roomId"`
	FromUserID domain.UserID `json:"fromUserId"`
	Text       string        `json:"text"`
	SentAt     time.Time     `json:"sentAt"`
}

type ProducerEvent struct {
	RoomID     domain.RoomID  `json:"roomId"`
	ProducerID string         `json:"producerId"`
	UserID     domain.UserID  `json:"userId"`
	Kind       core.MediaKind `json:"kind,omitempty"`
}

type JoinRoomResult struct {
	RTPCapabilities     core.RTPCapabilities `json:"rtpCapabilities"`
	ExistingProducerIDs []string             `json:"existingProducerIds"`
}

// peerArena owns every media handle a connection created in one room.
type peerArena struct {
	conn       *core.Connection
	transports map[string]core.Transport
	producers  map[string]core.Producer
	consumers  map[string]core.Consumer
}

func newPeerArena(conn *core.Connection) *peerArena {
	return &peerArena{
		conn:       conn,
		transports: make(map[string]core.Transport),
		producers:  make(map[string]core.Producer),
		consumers:  make(map[string]core.Consumer),
	}
}

type mediaRoom struct {
	id     domain.RoomID
	router core.Router

	mu        sync.Mutex
	closed    bool
	peers     map[core.ConnID]*peerArena
	producers map[string]core.ConnID
}

// Media runs SFU rooms: one router per room and an arena of handles per
// connection. Rooms lock independently.
type Media struct {
	worker  core.MediaWorker
	index   *RoomIndex
	bcast   core.Broadcaster
	metrics *metrics.Metrics

	mu         sync.Mutex
	rooms      map[domain.RoomID]*mediaRoom
	connRooms  map[core.ConnID]map[domain.RoomID]struct{}
	transports map[string]domain.RoomID

	now func() time.Time
}

func NewMedia(worker core.MediaWorker, index *RoomIndex, bcast core.Broadcaster, m *metrics.Metrics) *Media {
	return &Media{
		worker:     worker,
		index:      index,
		bcast:      bcast,
		metrics:    m,
		rooms:      make(map[domain.RoomID]*mediaRoom),
		connRooms:  make(map[core.ConnID]map[domain.RoomID]struct{}),
		transports: make(map[string]domain.RoomID),
		now:        time.Now,
	}
}

// fanoutRoom keeps media rooms apart from conversation rooms in the index.
func fanoutRoom(id domain.RoomID) domain.RoomID {
	return "media:" + id
}

func (m *Media) getOrCreate(ctx context.Context, id domain.RoomID) (*mediaRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[id]; ok {
		return r, nil
	}
	router, err := m.worker.CreateRouter(ctx, string(id))
	if err != nil {
		return nil, core.Unavailable(core.ReasonWorkerNotReady, "media worker failed to create a router")
	}
	r := &mediaRoom{
		id:        id,
		router:    router,
		peers:     make(map[core.ConnID]*peerArena),
		producers: make(map[string]core.ConnID),
	}
	m.rooms[id] = r
	m.metrics.MediaRooms.Inc()
	log.Info().Str("module", "app.media").Str("room", string(id)).Msg("media room created")
	return r, nil
}

func (m *Media) room(id domain.RoomID) (*mediaRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, core.NotFound(core.ReasonRoomNotFound, "room not found")
	}
	return r, nil
}

// JoinRoom registers conn in the room, creating the room on first join,
// and returns the router capabilities with the producers already live.
func (m *Media) JoinRoom(ctx context.Context, conn *core.Connection, id domain.RoomID) (JoinRoomResult, error) {
	if !domain.ValidMediaRoomID(id) {
		return JoinRoomResult{}, core.Invalid(core.ReasonInvalidPayload, "invalid room id")
	}
	if !m.worker.Ready() {
		return JoinRoomResult{}, core.Unavailable(core.ReasonWorkerNotReady, "media worker is not ready")
	}
	for {
		r, err := m.getOrCreate(ctx, id)
		if err != nil {
			return JoinRoomResult{}, err
		}
		r.mu.Lock()
		if r.closed {
			// lost a race with the last leaver; the next lookup creates a fresh room
			r.mu.Unlock()
			continue
		}
		// Disconnect marks the connection closed before reading connRooms,
		// so checking and recording under m.mu cannot miss a teardown.
		m.mu.Lock()
		if conn.Closed() {
			abandoned := len(r.peers) == 0
			if abandoned {
				r.closed = true
				if m.rooms[id] == r {
					delete(m.rooms, id)
				}
			}
			m.mu.Unlock()
			r.mu.Unlock()
			if abandoned {
				m.closeRoom(r)
			}
			return JoinRoomResult{}, core.NotFound(core.ReasonRoomNotFound, "connection is closed")
		}
		set, ok := m.connRooms[conn.ID]
		if !ok {
			set = make(map[domain.RoomID]struct{})
			m.connRooms[conn.ID] = set
		}
		set[id] = struct{}{}
		m.mu.Unlock()

		if _, ok := r.peers[conn.ID]; !ok {
			r.peers[conn.ID] = newPeerArena(conn)
		}
		existing := make([]string, 0, len(r.producers))
		for pid, owner := range r.producers {
			if owner != conn.ID {
				existing = append(existing, pid)
			}
		}
		caps := r.router.RTPCapabilities()
		r.mu.Unlock()
		m.index.Join(fanoutRoom(id), conn)

		slices.Sort(existing)
		log.Info().Str("module", "app.media").Str("room", string(id)).Str("conn", string(conn.ID)).Int("producers", len(existing)).Msg("joined media room")
		return JoinRoomResult{RTPCapabilities: caps, ExistingProducerIDs: existing}, nil
	}
}

// peer returns the arena of conn in r. Caller holds r.mu.
func (r *mediaRoom) peer(id core.ConnID) (*peerArena, error) {
	if r.closed {
		return nil, core.NotFound(core.ReasonRoomNotFound, "room not found")
	}
	a, ok := r.peers[id]
	if !ok {
		return nil, core.NotFound(core.ReasonRoomNotFound, "not joined to this room")
	}
	return a, nil
}

// CreateTransport allocates a transport outside the room lock, since ICE
// gathering can take a while, and records it only if conn is still in the
// room. Otherwise the transport is closed straight away.
func (m *Media) CreateTransport(ctx context.Context, conn *core.Connection, id domain.RoomID) (core.TransportParams, error) {
	r, err := m.room(id)
	if err != nil {
		return core.TransportParams{}, err
	}
	r.mu.Lock()
	_, err = r.peer(conn.ID)
	r.mu.Unlock()
	if err != nil {
		return core.TransportParams{}, err
	}

	t, err := r.router.CreateTransport(ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "app.media").Str("room", string(id)).Msg("create transport")
		return core.TransportParams{}, core.Unavailable(core.ReasonWorkerNotReady, "could not create transport")
	}

	r.mu.Lock()
	a, err := r.peer(conn.ID)
	if err != nil {
		r.mu.Unlock()
		_ = t.Close()
		return core.TransportParams{}, err
	}
	a.transports[t.ID()] = t
	m.mu.Lock()
	m.transports[t.ID()] = id
	m.mu.Unlock()
	r.mu.Unlock()
	m.metrics.MediaHandles.WithLabelValues("transport").Inc()
	return t.Params(), nil
}

// ConnectTransport finishes the handshake of a transport conn created,
// whichever room it lives in.
func (m *Media) ConnectTransport(ctx context.Context, conn *core.Connection, transportID string, params core.ConnectParams) error {
	if len(params.DTLSParameters.Fingerprints) == 0 {
		return core.Invalid(core.ReasonInvalidPayload, "dtls fingerprints are required")
	}
	m.mu.Lock()
	roomID, ok := m.transports[transportID]
	m.mu.Unlock()
	if !ok {
		return core.NotFound(core.ReasonTransportMissing, "transport not found")
	}
	r, err := m.room(roomID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	t, err := r.transport(conn.ID, transportID)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if err := t.Connect(ctx, params); err != nil {
		return core.Invalid(core.ReasonInvalidPayload, err.Error())
	}
	return nil
}

// transport returns a transport owned by conn. Caller holds r.mu.
func (r *mediaRoom) transport(conn core.ConnID, transportID string) (core.Transport, error) {
	a, err := r.peer(conn)
	if err != nil {
		return nil, err
	}
	t, ok := a.transports[transportID]
	if !ok {
		return nil, core.NotFound(core.ReasonTransportMissing, "transport not found")
	}
	return t, nil
}

// Produce creates a producer on a transport of conn and tells the rest of
// the room about it.
func (m *Media) Produce(ctx context.Context, conn *core.Connection, id domain.RoomID, transportID string, kind core.MediaKind, rtp core.RTPParameters) (string, error) {
	if !kind.Valid() {
		return "", core.Invalid(core.ReasonInvalidPayload, "kind must be audio or video")
	}
	if len(rtp.Codecs) == 0 {
		return "", core.Invalid(core.ReasonInvalidPayload, "rtp parameters need a codec")
	}
	r, err := m.room(id)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	t, err := r.transport(conn.ID, transportID)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	p, err := t.Produce(ctx, kind, rtp)
	if err != nil {
		r.mu.Unlock()
		return "", core.Invalid(core.ReasonUnsupportedCodec, err.Error())
	}
	r.peers[conn.ID].producers[p.ID()] = p
	r.producers[p.ID()] = conn.ID
	r.mu.Unlock()

	m.metrics.MediaHandles.WithLabelValues("producer").Inc()
	m.bcast.ToRoom(fanoutRoom(id), core.Event{Type: EventNewProducer, Data: ProducerEvent{
		RoomID: id, ProducerID: p.ID(), UserID: conn.UserID, Kind: kind,
	}}, conn.ID)
	log.Info().Str("module", "app.media").Str("room", string(id)).Str("producer", p.ID()).Str("kind", string(kind)).Msg("producer created")
	return p.ID(), nil
}

// Consume creates a consumer of producerID on a transport of conn, if the
// router agrees the receiver can handle it.
func (m *Media) Consume(ctx context.Context, conn *core.Connection, id domain.RoomID, producerID, transportID string, caps core.RTPCapabilities) (core.ConsumerParams, error) {
	r, err := m.room(id)
	if err != nil {
		return core.ConsumerParams{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.peer(conn.ID)
	if err != nil {
		return core.ConsumerParams{}, err
	}
	owner, ok := r.producers[producerID]
	if !ok {
		return core.ConsumerParams{}, core.NotFound(core.ReasonProducerMissing, "producer not found")
	}
	if !r.router.CanConsume(producerID, caps) {
		return core.ConsumerParams{}, core.Invalid(core.ReasonCannotConsume, "cannot consume")
	}
	t, ok := a.transports[transportID]
	if !ok {
		return core.ConsumerParams{}, core.NotFound(core.ReasonTransportMissing, "transport not found")
	}
	p := r.peers[owner].producers[producerID]
	c, err := t.Consume(ctx, p, caps)
	if err != nil {
		return core.ConsumerParams{}, core.Invalid(core.ReasonCannotConsume, err.Error())
	}
	a.consumers[c.ID()] = c
	m.metrics.MediaHandles.WithLabelValues("consumer").Inc()
	return c.Params(), nil
}

// LeaveRoom releases everything conn owns in the room. Producers are taken
// from recorded state; producerIDs only need to name producers of conn.
func (m *Media) LeaveRoom(conn *core.Connection, id domain.RoomID, producerIDs []string) error {
	if _, err := m.room(id); err != nil {
		return err
	}
	for _, pid := range producerIDs {
		if owner, ok := m.producerOwner(id, pid); ok && owner != conn.ID {
			return core.Forbidden(core.ReasonProducerMissing, "producer belongs to another participant")
		}
	}
	m.leave(conn, id)
	return nil
}

func (m *Media) producerOwner(id domain.RoomID, pid string) (core.ConnID, bool) {
	r, err := m.room(id)
	if err != nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.producers[pid]
	return owner, ok
}

// Disconnect leaves every room conn had joined.
func (m *Media) Disconnect(conn *core.Connection) {
	m.mu.Lock()
	rooms := collectKeys(m.connRooms[conn.ID])
	m.mu.Unlock()
	for _, id := range rooms {
		m.leave(conn, id)
	}
}

func (m *Media) leave(conn *core.Connection, id domain.RoomID) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	if set, has := m.connRooms[conn.ID]; has {
		delete(set, id)
		if len(set) == 0 {
			delete(m.connRooms, conn.ID)
		}
	}
	m.mu.Unlock()
	m.index.Leave(fanoutRoom(id), conn)
	if !ok {
		return
	}

	r.mu.Lock()
	a, joined := r.peers[conn.ID]
	if !joined {
		r.mu.Unlock()
		return
	}
	delete(r.peers, conn.ID)
	gone := sortedKeys(a.producers)
	for _, pid := range gone {
		delete(r.producers, pid)
	}
	// consumers elsewhere in the room that fed from the leaving producers
	var orphans []core.Consumer
	for _, other := range r.peers {
		for cid, c := range other.consumers {
			if _, ok := a.producers[c.ProducerID()]; ok {
				orphans = append(orphans, c)
				delete(other.consumers, cid)
			}
		}
	}
	empty := len(r.peers) == 0
	if empty {
		r.closed = true
		m.mu.Lock()
		if m.rooms[id] == r {
			delete(m.rooms, id)
		}
		m.mu.Unlock()
	}
	r.mu.Unlock()

	for _, c := range orphans {
		m.closeHandle("consumer", c.ID(), c.Close)
	}
	m.release(a)

	for _, pid := range gone {
		m.bcast.ToRoom(fanoutRoom(id), core.Event{Type: EventParticipantLeft, Data: ProducerEvent{
			RoomID: id, ProducerID: pid, UserID: conn.UserID,
		}}, conn.ID)
	}

	if empty {
		m.closeRoom(r)
	}
	log.Info().Str("module", "app.media").Str("room", string(id)).Str("conn", string(conn.ID)).Int("producers", len(gone)).Msg("left media room")
}

// closeRoom releases the router of a room already marked closed.
func (m *Media) closeRoom(r *mediaRoom) {
	if err := r.router.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.media").Str("room", string(r.id)).Msg("close router")
	}
	m.metrics.MediaRooms.Dec()
	log.Info().Str("module", "app.media").Str("room", string(r.id)).Msg("media room closed")
}

// release closes consumers, then producers, then transports of an arena.
func (m *Media) release(a *peerArena) {
	for id, c := range a.consumers {
		m.closeHandle("consumer", id, c.Close)
	}
	for id, p := range a.producers {
		m.closeHandle("producer", id, p.Close)
	}
	m.mu.Lock()
	for id := range a.transports {
		delete(m.transports, id)
	}
	m.mu.Unlock()
	for id, t := range a.transports {
		m.closeHandle("transport", id, t.Close)
	}
}

func (m *Media) closeHandle(kind, id string, closeFn func() error) {
	m.metrics.MediaHandles.WithLabelValues(kind).Dec()
	if err := closeFn(); err != nil {
		log.Warn().Err(err).Str("module", "app.media").Str(kind, id).Msg("close media handle")
	}
}

// ProducerIDs lists the live producers of a room.
func (m *Media) ProducerIDs(id domain.RoomID) []string {
	r, err := m.room(id)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.producers)
}

func (m *Media) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// RoomMessage relays an ephemeral chat line to the other participants of a
// media room. Nothing is persisted.
func (m *Media) RoomMessage(conn *core.Connection, id domain.RoomID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return core.Invalid(core.ReasonEmptyMessage, "message is empty")
	}
	if utf8.RuneCountInString(text) > roomMessageMax {
		return core.Invalid(core.ReasonMessageTooLong, "message is too long")
	}
	r, err := m.room(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	_, err = r.peer(conn.ID)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	m.bcast.ToRoom(fanoutRoom(id), core.Event{Type: EventRoomMessage, Data: RoomMessageEvent{
		RoomID: id, FromUserID: conn.UserID, Text: text, SentAt: m.now(),
	}}, conn.ID)
	return nil
}
