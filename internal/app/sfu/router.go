package sfu

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Tether/internal/core"
	"github.com/rs/zerolog/log"
)

var errRouterClosed = errors.New("router closed")

// Router is one media room on the worker. It tracks producers so consumers
// can be matched against them.
type Router struct {
	worker *Worker
	room   string

	mu         sync.Mutex
	closed     bool
	transports map[string]*Transport
	producers  map[string]*Producer
}

func newRouter(w *Worker, room string) *Router {
	return &Router{
		worker:     w,
		room:       room,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
}

func (r *Router) RTPCapabilities() core.RTPCapabilities { return capabilities() }

func (r *Router) CreateTransport(ctx context.Context) (core.Transport, error) {
	t, err := newTransport(ctx, r)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close()
		return nil, errRouterClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

// CanConsume reports whether caps include the codec of producerID.
func (r *Router) CanConsume(producerID string, caps core.RTPCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	want := toCoreCodec(p.kind, p.codec)
	for _, c := range caps.Codecs {
		if (c.Kind == "" || c.Kind == p.kind) && c.Matches(want) {
			return true
		}
	}
	return false
}

func (r *Router) addProducer(p *Producer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.producers[p.id] = p
	return true
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ts := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		ts = append(ts, t)
	}
	r.mu.Unlock()

	var errs []error
	for _, t := range ts {
		errs = append(errs, t.Close())
	}
	log.Debug().Str("module", "sfu").Str("room", r.room).Msg("router closed")
	return errors.Join(errs...)
}
