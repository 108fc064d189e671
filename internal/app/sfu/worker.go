// Package sfu is the media plane: routers, transports, producers and
// consumers on top of pion's ORTC API. Packets are relayed, never decoded.
package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dkeye/Tether/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Options struct {
	MinPort       uint16
	MaxPort       uint16
	AnnouncedIP   string
	ICEServers    []string
	GatherTimeout time.Duration
}

// codecs the worker routes. Payload types are what clients should use.
var routerCodecs = []struct {
	kind core.MediaKind
	typ  webrtc.RTPCodecType
	par  webrtc.RTPCodecParameters
}{
	{core.MediaAudio, webrtc.RTPCodecTypeAudio, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}},
	{core.MediaVideo, webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: "goog-remb"}, {Type: "nack"}, {Type: "nack", Parameter: "pli"},
			},
		},
		PayloadType: 96,
	}},
}

// Worker builds one pion API shared by every router.
type Worker struct {
	api    *webrtc.API
	opts   Options
	closed atomic.Bool
}

var errWorkerClosed = errors.New("media worker closed")

func NewWorker(opts Options) (*Worker, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range routerCodecs {
		if err := m.RegisterCodec(c.par, c.typ); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.par.MimeType, err)
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if opts.MinPort != 0 && opts.MaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.MinPort, opts.MaxPort); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	if opts.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 5 * time.Second
	}

	w := &Worker{
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		opts: opts,
	}
	log.Info().Str("module", "sfu").
		Uint16("min_port", opts.MinPort).
		Uint16("max_port", opts.MaxPort).
		Str("announced_ip", opts.AnnouncedIP).
		Msg("media worker ready")
	return w, nil
}

func (w *Worker) Ready() bool { return !w.closed.Load() }

func (w *Worker) CreateRouter(_ context.Context, room string) (core.Router, error) {
	if !w.Ready() {
		return nil, errWorkerClosed
	}
	return newRouter(w, room), nil
}

func (w *Worker) Close() error {
	w.closed.Store(true)
	log.Info().Str("module", "sfu").Msg("media worker closed")
	return nil
}

func (w *Worker) iceServers() []webrtc.ICEServer {
	if len(w.opts.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: w.opts.ICEServers}}
}

func capabilities() core.RTPCapabilities {
	caps := core.RTPCapabilities{Codecs: make([]core.RTPCodec, 0, len(routerCodecs))}
	for _, c := range routerCodecs {
		caps.Codecs = append(caps.Codecs, toCoreCodec(c.kind, c.par))
	}
	return caps
}

// routerCodec finds the router codec matching want.
func routerCodec(kind core.MediaKind, want core.RTPCodec) (webrtc.RTPCodecParameters, webrtc.RTPCodecType, bool) {
	for _, c := range routerCodecs {
		if c.kind == kind && toCoreCodec(c.kind, c.par).Matches(want) {
			return c.par, c.typ, true
		}
	}
	return webrtc.RTPCodecParameters{}, 0, false
}

func toCoreCodec(kind core.MediaKind, p webrtc.RTPCodecParameters) core.RTPCodec {
	return core.RTPCodec{
		Kind:        kind,
		MimeType:    p.MimeType,
		ClockRate:   p.ClockRate,
		Channels:    p.Channels,
		PayloadType: uint8(p.PayloadType),
		SDPFmtpLine: p.SDPFmtpLine,
	}
}
