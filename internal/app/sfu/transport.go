package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Tether/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	errTransportClosed  = errors.New("transport closed")
	errAlreadyConnected = errors.New("transport already connected")
	errMissingICE       = errors.New("ice parameters are required")
	errMissingEncoding  = errors.New("rtp parameters need an encoding with an ssrc")
	errUnsupportedCodec = errors.New("codec not supported by router")
	errForeignProducer  = errors.New("producer belongs to another worker")
	errProducerClosed   = errors.New("producer closed")
	errNoMatchingCodec  = errors.New("receiver cannot decode the producer codec")
)

// Transport is one ICE+DTLS association with a client. It can carry any
// number of producers and consumers.
type Transport struct {
	id       string
	router   *Router
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   core.TransportParams

	mu        sync.Mutex
	connected bool
	closed    bool
	producers map[string]*Producer
	consumers map[string]*Consumer

	ctx    context.Context
	cancel context.CancelFunc
}

func newTransport(ctx context.Context, r *Router) (*Transport, error) {
	api := r.worker.api
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.worker.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}

	done := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather: %w", err)
	}

	timer := time.NewTimer(r.worker.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Warn().Str("module", "sfu").Str("room", r.room).Msg("ice gathering timed out, using partial candidates")
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:        uuid.NewString(),
		router:    r,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		ctx:       tctx,
		cancel:    cancel,
	}
	t.params = core.TransportParams{
		ID:             t.id,
		ICEParameters:  toCoreICEParameters(iceParams),
		ICECandidates:  toCoreCandidates(candidates),
		DTLSParameters: toCoreDTLS(dtlsParams),
		ICEServers:     toCoreICEServers(r.worker.opts.ICEServers),
	}

	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		log.Debug().Str("module", "sfu").Str("transport", t.id).Str("dtls_state", s.String()).Msg("DTLS state")
		if s == webrtc.DTLSTransportStateFailed || s == webrtc.DTLSTransportStateClosed {
			cancel()
		}
	})
	return t, nil
}

func (t *Transport) ID() string                   { return t.id }
func (t *Transport) Params() core.TransportParams { return t.params }

// Connect validates the remote parameters and starts ICE and DTLS in the
// background; both block until the client answers.
func (t *Transport) Connect(_ context.Context, remote core.ConnectParams) error {
	if remote.ICEParameters == nil {
		return errMissingICE
	}
	dtlsParams, err := fromCoreDTLS(remote.DTLSParameters)
	if err != nil {
		return err
	}
	candidates, err := fromCoreCandidates(remote.ICECandidates)
	if err != nil {
		return err
	}

	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return errTransportClosed
	case t.connected:
		t.mu.Unlock()
		return errAlreadyConnected
	}
	t.connected = true
	t.mu.Unlock()

	iceParams := webrtc.ICEParameters{
		UsernameFragment: remote.ICEParameters.UsernameFragment,
		Password:         remote.ICEParameters.Password,
		ICELite:          remote.ICEParameters.ICELite,
	}
	go func() {
		logger := log.With().Str("module", "sfu").Str("transport", t.id).Logger()
		if len(candidates) > 0 {
			if err := t.ice.SetRemoteCandidates(candidates); err != nil {
				logger.Warn().Err(err).Msg("set remote candidates")
			}
		}
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(nil, iceParams, &role); err != nil {
			logger.Warn().Err(err).Msg("ice start failed")
			t.cancel()
			return
		}
		if err := t.dtls.Start(dtlsParams); err != nil {
			logger.Warn().Err(err).Msg("dtls start failed")
			t.cancel()
			return
		}
		logger.Info().Msg("transport connected")
	}()
	return nil
}

// Produce starts receiving one stream from the client. The stream's codec
// must be one the router routes.
func (t *Transport) Produce(_ context.Context, kind core.MediaKind, rtp core.RTPParameters) (core.Producer, error) {
	if len(rtp.Codecs) == 0 {
		return nil, errUnsupportedCodec
	}
	if len(rtp.Encodings) == 0 || rtp.Encodings[0].SSRC == 0 {
		return nil, errMissingEncoding
	}
	codec, typ, ok := routerCodec(kind, rtp.Codecs[0])
	if !ok {
		return nil, errUnsupportedCodec
	}
	receiver, err := t.router.worker.api.NewRTPReceiver(typ, t.dtls)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(t.ctx)
	p := &Producer{
		id:        uuid.NewString(),
		kind:      kind,
		codec:     codec,
		transport: t,
		receiver:  receiver,
		relay:     NewRelay(),
		cancel:    cancel,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return nil, errTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	if !t.router.addProducer(p) {
		_ = p.Close()
		return nil, errRouterClosed
	}

	params := webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{{
		RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(rtp.Encodings[0].SSRC),
			PayloadType: codec.PayloadType,
		},
	}}}
	go p.run(pctx, params)
	return p, nil
}

// Consume creates a sender of producer on this transport.
func (t *Transport) Consume(_ context.Context, producer core.Producer, caps core.RTPCapabilities) (core.Consumer, error) {
	p, ok := producer.(*Producer)
	if !ok {
		return nil, errForeignProducer
	}
	want := toCoreCodec(p.kind, p.codec)
	matched := false
	for _, c := range caps.Codecs {
		if c.Matches(want) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, errNoMatchingCodec
	}

	track, err := webrtc.NewTrackLocalStaticRTP(p.codec.RTPCodecCapability, p.id, p.id)
	if err != nil {
		return nil, err
	}
	sender, err := t.router.worker.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, err
	}
	sendParams := sender.GetParameters()
	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}

	c := &Consumer{
		id:        uuid.NewString(),
		producer:  p,
		transport: t,
		sender:    sender,
		out:       NewOutTrack(track),
	}
	c.params = core.ConsumerParams{
		ID:         c.id,
		ProducerID: p.id,
		Kind:       p.kind,
		RTPParameters: core.RTPParameters{
			Codecs:    []core.RTPCodec{want},
			Encodings: []core.RTPEncoding{{SSRC: ssrc}},
		},
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, errTransportClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !p.relay.AddOutTrack(c.id, c.out) {
		_ = c.Close()
		return nil, errProducerClosed
	}
	go c.run(sendParams)
	return c, nil
}

func (t *Transport) dropProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) dropConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// Close stops every producer and consumer on the transport, then the
// transport itself.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	t.cancel()
	t.router.removeTransport(t.id)

	err := errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
	log.Debug().Str("module", "sfu").Str("transport", t.id).Msg("transport closed")
	return err
}
