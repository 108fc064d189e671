package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/Tether/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Producer receives one stream from a client and relays it.
type Producer struct {
	id        string
	kind      core.MediaKind
	codec     webrtc.RTPCodecParameters
	transport *Transport
	receiver  *webrtc.RTPReceiver
	relay     *Relay

	closeOnce sync.Once
	cancel    context.CancelFunc
}

func (p *Producer) ID() string           { return p.id }
func (p *Producer) Kind() core.MediaKind { return p.kind }

// run waits for the stream and relays it. Receive blocks until DTLS is up.
func (p *Producer) run(ctx context.Context, params webrtc.RTPReceiveParameters) {
	logger := log.With().Str("module", "sfu").Str("producer", p.id).Str("kind", string(p.kind)).Logger()
	if err := p.receiver.Receive(params); err != nil {
		logger.Warn().Err(err).Msg("receive failed")
		p.relay.markAllDelete()
		return
	}
	track := p.receiver.Track()
	if track == nil {
		logger.Warn().Msg("receiver has no track")
		p.relay.markAllDelete()
		return
	}
	logger.Info().Uint32("ssrc", uint32(track.SSRC())).Msg("starting relay loop")
	p.relay.loop(ctx, track, &logger)
}

func (p *Producer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		p.relay.markAllDelete()
		p.transport.router.removeProducer(p.id)
		p.transport.dropProducer(p.id)
		err = p.receiver.Stop()
	})
	return err
}

// Consumer sends the stream of one producer to a client.
type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	sender    *webrtc.RTPSender
	out       *OutTrack
	params    core.ConsumerParams

	closeOnce sync.Once
}

func (c *Consumer) ID() string                  { return c.id }
func (c *Consumer) ProducerID() string          { return c.producer.id }
func (c *Consumer) Params() core.ConsumerParams { return c.params }

// run starts the sender and drains RTCP so interceptors keep working.
func (c *Consumer) run(params webrtc.RTPSendParameters) {
	if err := c.sender.Send(params); err != nil {
		log.Warn().Err(err).Str("module", "sfu").Str("consumer", c.id).Msg("send failed")
		return
	}
	buf := make([]byte, 1500)
	for {
		if _, _, err := c.sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.producer.relay.RemoveOutTrack(c.id)
		c.out.MarkDelete()
		c.transport.dropConsumer(c.id)
		err = c.sender.Stop()
		packets, bytes := c.out.Forwarded()
		log.Debug().Str("module", "sfu").Str("consumer", c.id).Uint64("packets", packets).Uint64("bytes", bytes).Msg("consumer closed")
	})
	return err
}
