package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
)

const (
	alice domain.UserID = "aaaaaaaaaaaaaaaaaaaaaaaa"
	bob   domain.UserID = "bbbbbbbbbbbbbbbbbbbbbbbb"
	carol domain.UserID = "cccccccccccccccccccccccc"
	dave  domain.UserID = "dddddddddddddddddddddddd"
)

// fakeSignal buffers frames in memory. A positive capacity makes it report
// backpressure once full.
type fakeSignal struct {
	mu       sync.Mutex
	frames   []core.Frame
	capacity int
	closed   bool
}

func (s *fakeSignal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrConnClosed
	}
	if s.capacity > 0 && len(s.frames) >= s.capacity {
		return core.ErrBackpressure
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSignal) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *fakeSignal) events() []wireEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wireEvent, 0, len(s.frames))
	for _, f := range s.frames {
		var ev wireEvent
		_ = json.Unmarshal(f, &ev)
		out = append(out, ev)
	}
	return out
}

func (s *fakeSignal) count(typ string) int {
	n := 0
	for _, ev := range s.events() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newConn(u domain.UserID) (*core.Connection, *fakeSignal) {
	sig := &fakeSignal{}
	return core.NewConnection(u, "device-"+string(u[:4]), sig), sig
}

type recordedEvent struct {
	To     string
	Except []core.ConnID
	Event  core.Event
}

// recorder is a Broadcaster and Announcer that only remembers what it was
// asked to deliver.
type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) add(to string, ev core.Event, except []core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{To: to, Event: ev, Except: except})
}

func (r *recorder) ToRoom(room domain.RoomID, ev core.Event, except ...core.ConnID) {
	r.add("room:"+string(room), ev, except)
}

func (r *recorder) ToUser(u domain.UserID, ev core.Event) {
	r.add("user:"+string(u), ev, nil)
}

func (r *recorder) ToAll(ev core.Event, exceptUser domain.UserID) {
	r.add("all-but:"+string(exceptUser), ev, nil)
}

// sent returns every recorded event of type typ.
func (r *recorder) sent(typ string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.Event.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) sentTo(to, typ string) []recordedEvent {
	var out []recordedEvent
	for _, e := range r.sent(typ) {
		if e.To == to {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// fakeWorker hands out in-memory routers. Every handle counts its Close
// calls so tests can check that cleanup happens exactly once.
type fakeWorker struct {
	notReady bool
	seq      atomic.Int64

	mu      sync.Mutex
	routers []*fakeRouter
	handles []*fakeHandle
}

type fakeHandle struct {
	id     string
	closes atomic.Int32
}

func (h *fakeHandle) ID() string { return h.id }
func (h *fakeHandle) Close() error {
	h.closes.Add(1)
	return nil
}

func (w *fakeWorker) handle(prefix string) *fakeHandle {
	h := &fakeHandle{id: fmt.Sprintf("%s-%d", prefix, w.seq.Add(1))}
	w.mu.Lock()
	w.handles = append(w.handles, h)
	w.mu.Unlock()
	return h
}

// leaked lists handles that were not closed exactly once.
func (w *fakeWorker) leaked() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, h := range w.handles {
		if h.closes.Load() != 1 {
			out = append(out, fmt.Sprintf("%s closed %d times", h.id, h.closes.Load()))
		}
	}
	return out
}

func (w *fakeWorker) Ready() bool { return !w.notReady }

func (w *fakeWorker) CreateRouter(context.Context, string) (core.Router, error) {
	r := &fakeRouter{fakeHandle: w.handle("router"), w: w}
	w.mu.Lock()
	w.routers = append(w.routers, r)
	w.mu.Unlock()
	return r, nil
}

func (w *fakeWorker) Close() error { return nil }

var opus = core.RTPCodec{Kind: core.MediaAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2}

type fakeRouter struct {
	*fakeHandle
	w *fakeWorker
}

func (r *fakeRouter) RTPCapabilities() core.RTPCapabilities {
	return core.RTPCapabilities{Codecs: []core.RTPCodec{opus}}
}

func (r *fakeRouter) CreateTransport(context.Context) (core.Transport, error) {
	return &fakeTransport{fakeHandle: r.w.handle("transport"), w: r.w}, nil
}

func (r *fakeRouter) CanConsume(_ string, caps core.RTPCapabilities) bool {
	for _, c := range caps.Codecs {
		if c.Matches(opus) {
			return true
		}
	}
	return false
}

type fakeTransport struct {
	*fakeHandle
	w         *fakeWorker
	connected atomic.Bool
}

func (t *fakeTransport) Params() core.TransportParams {
	return core.TransportParams{ID: t.id}
}

func (t *fakeTransport) Connect(context.Context, core.ConnectParams) error {
	if !t.connected.CompareAndSwap(false, true) {
		return fmt.Errorf("transport %s already connected", t.id)
	}
	return nil
}

func (t *fakeTransport) Produce(_ context.Context, kind core.MediaKind, rtp core.RTPParameters) (core.Producer, error) {
	for _, c := range rtp.Codecs {
		if strings.EqualFold(c.MimeType, opus.MimeType) {
			return &fakeProducer{fakeHandle: t.w.handle("producer"), kind: kind}, nil
		}
	}
	return nil, fmt.Errorf("unsupported codec")
}

func (t *fakeTransport) Consume(_ context.Context, p core.Producer, _ core.RTPCapabilities) (core.Consumer, error) {
	return &fakeConsumer{fakeHandle: t.w.handle("consumer"), producer: p}, nil
}

type fakeProducer struct {
	*fakeHandle
	kind core.MediaKind
}

func (p *fakeProducer) Kind() core.MediaKind { return p.kind }

type fakeConsumer struct {
	*fakeHandle
	producer core.Producer
}

func (c *fakeConsumer) ProducerID() string { return c.producer.ID() }

func (c *fakeConsumer) Params() core.ConsumerParams {
	return core.ConsumerParams{ID: c.id, ProducerID: c.producer.ID(), Kind: c.producer.Kind()}
}
