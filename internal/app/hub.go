package app

import (
	"errors"
	"slices"

	"github.com/dkeye/Tether/internal/core"
	"github.com/dkeye/Tether/internal/domain"
	"github.com/dkeye/Tether/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Hub delivers events to connections held by this process.
type Hub struct {
	Registry *Registry
	Rooms    *RoomIndex
	Policy   Policy
	Metrics  *metrics.Metrics
}

func NewHub(reg *Registry, rooms *RoomIndex, policy Policy, m *metrics.Metrics) *Hub {
	return &Hub{Registry: reg, Rooms: rooms, Policy: policy, Metrics: m}
}

func (h *Hub) ToRoom(room domain.RoomID, ev core.Event, except ...core.ConnID) {
	f, ok := encode(ev)
	if !ok {
		return
	}
	h.RoomFrame(room, f, except...)
}

func (h *Hub) ToUser(u domain.UserID, ev core.Event) {
	f, ok := encode(ev)
	if !ok {
		return
	}
	h.UserFrame(u, f)
}

func (h *Hub) ToAll(ev core.Event, exceptUser domain.UserID) {
	f, ok := encode(ev)
	if !ok {
		return
	}
	h.AllFrame(f, exceptUser)
}

// RoomFrame fans an already encoded frame out to a room.
func (h *Hub) RoomFrame(room domain.RoomID, f core.Frame, except ...core.ConnID) core.PublishResult {
	return h.deliver(h.Rooms.Members(room), f, except)
}

func (h *Hub) UserFrame(u domain.UserID, f core.Frame) core.PublishResult {
	return h.deliver(h.Registry.Connections(u), f, nil)
}

func (h *Hub) AllFrame(f core.Frame, exceptUser domain.UserID) core.PublishResult {
	var res core.PublishResult
	for _, u := range h.Registry.Users() {
		if u == exceptUser {
			continue
		}
		r := h.deliver(h.Registry.Connections(u), f, nil)
		res.SentTo += r.SentTo
		res.Dropped = append(res.Dropped, r.Dropped...)
	}
	return res
}

func (h *Hub) deliver(conns []*core.Connection, f core.Frame, except []core.ConnID) core.PublishResult {
	res := core.PublishResult{}
	for _, c := range conns {
		if slices.Contains(except, c.ID) {
			continue
		}
		if err := c.Send(f); err != nil {
			if errors.Is(err, core.ErrBackpressure) {
				res.Dropped = append(res.Dropped, c)
			}
			continue
		}
		res.SentTo++
	}
	for _, slow := range res.Dropped {
		h.Metrics.DroppedFrames.Inc()
		if h.Policy == nil {
			continue
		}
		switch h.Policy.OnBackPressure(slow) {
		case KickMember:
			log.Warn().Str("module", "app.hub").Str("conn", string(slow.ID)).Msg("slow connection kicked")
			h.Registry.Cancel(slow)
		case DropFrame, NoAction:
		}
	}
	return res
}

func encode(ev core.Event) (core.Frame, bool) {
	f, err := ev.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.hub").Str("type", ev.Type).Msg("encode event")
		return nil, false
	}
	return f, true
}
