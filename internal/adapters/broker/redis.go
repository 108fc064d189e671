// Package broker relays events between server instances over redis
// pub/sub and keeps the shared presence counts. Connections stay
// node-local.
package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// LocalHub delivers encoded frames to connections of this node.
type LocalHub interface {
	RoomFrame(room domain.RoomID, f core.Frame, except ...core.ConnID) core.PublishResult
	UserFrame(u domain.UserID, f core.Frame) core.PublishResult
	AllFrame(f core.Frame, exceptUser domain.UserID) core.PublishResult
}

const (
	targetRoom = "room"
	targetUser = "user"
	targetAll  = "all"
)

type envelope struct {
	Node   string          `json:"node"`
	Target string          `json:"target"`
	Key    string          `json:"key,omitempty"`
	Except []core.ConnID   `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

const publishQueue = 1024

// Relay delivers locally first, then queues the frame for Run to publish so
// other nodes deliver it to their own connections. Callers never wait on
// redis; a full queue drops the remote copy.
type Relay struct {
	local   LocalHub
	client  *redis.Client
	channel string
	node    string
	timeout time.Duration
	queue   chan envelope
}

func NewRelay(local LocalHub, client *redis.Client, channel string) *Relay {
	return &Relay{
		local:   local,
		client:  client,
		channel: channel,
		node:    uuid.NewString(),
		timeout: 2 * time.Second,
		queue:   make(chan envelope, publishQueue),
	}
}

func (r *Relay) ToRoom(room domain.RoomID, ev core.Event, except ...core.ConnID) {
	f, ok := r.encode(ev)
	if !ok {
		return
	}
	r.local.RoomFrame(room, f, except...)
	r.publish(envelope{Target: targetRoom, Key: string(room), Except: except, Frame: json.RawMessage(f)})
}

func (r *Relay) ToUser(u domain.UserID, ev core.Event) {
	f, ok := r.encode(ev)
	if !ok {
		return
	}
	r.local.UserFrame(u, f)
	r.publish(envelope{Target: targetUser, Key: string(u), Frame: json.RawMessage(f)})
}

func (r *Relay) ToAll(ev core.Event, exceptUser domain.UserID) {
	f, ok := r.encode(ev)
	if !ok {
		return
	}
	r.local.AllFrame(f, exceptUser)
	r.publish(envelope{Target: targetAll, Key: string(exceptUser), Frame: json.RawMessage(f)})
}

func (r *Relay) encode(ev core.Event) (core.Frame, bool) {
	f, err := ev.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "broker.redis").Str("type", ev.Type).Msg("encode event")
		return nil, false
	}
	return f, true
}

func (r *Relay) publish(env envelope) {
	env.Node = r.node
	select {
	case r.queue <- env:
	default:
		log.Warn().Str("module", "broker.redis").Str("target", env.Target).Msg("publish queue full, dropping remote copy")
	}
}

func (r *Relay) send(ctx context.Context, env envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "broker.redis").Msg("encode envelope")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		log.Warn().Err(err).Str("module", "broker.redis").Str("target", env.Target).Msg("publish failed")
	}
}

// Run publishes queued frames and delivers frames published by other nodes
// until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case env := <-r.queue:
				r.send(gctx, env)
			}
		}
	})
	g.Go(func() error { return r.subscribe(gctx) })
	return g.Wait()
}

func (r *Relay) subscribe(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	log.Info().Str("module", "broker.redis").Str("channel", r.channel).Str("node", r.node).Msg("subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle([]byte(msg.Payload))
		}
	}
}

func (r *Relay) handle(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Str("module", "broker.redis").Msg("bad envelope")
		return
	}
	if env.Node == r.node {
		return
	}
	f := core.Frame(env.Frame)
	switch env.Target {
	case targetRoom:
		r.local.RoomFrame(domain.RoomID(env.Key), f, env.Except...)
	case targetUser:
		r.local.UserFrame(domain.UserID(env.Key), f)
	case targetAll:
		r.local.AllFrame(f, domain.UserID(env.Key))
	default:
		log.Warn().Str("module", "broker.redis").Str("target", env.Target).Msg("unknown target")
	}
}
