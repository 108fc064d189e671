package core

import (
	"context"
	"strings"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == MediaAudio || k == MediaVideo }

// RTPCodec describes one codec a router or a receiver supports.
type RTPCodec struct {
	Kind        MediaKind `json:"kind"`
	MimeType    string    `json:"mimeType"`
	ClockRate   uint32    `json:"clockRate"`
	Channels    uint16    `json:"channels,omitempty"`
	PayloadType uint8     `json:"preferredPayloadType,omitempty"`
	SDPFmtpLine string    `json:"sdpFmtpLine,omitempty"`
}

// Matches compares mime type (case insensitive), clock rate and channels.
func (c RTPCodec) Matches(other RTPCodec) bool {
	if !strings.EqualFold(c.MimeType, other.MimeType) || c.ClockRate != other.ClockRate {
		return false
	}
	return c.Channels == 0 || other.Channels == 0 || c.Channels == other.Channels
}

type RTPCapabilities struct {
	Codecs []RTPCodec `json:"codecs"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc"`
}

// RTPParameters describe a stream being sent or received.
type RTPParameters struct {
	Codecs    []RTPCodec    `json:"codecs"`
	Encodings []RTPEncoding `json:"encodings"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

type ICEServer struct {
	URLs []string `json:"urls"`
}

// TransportParams is everything a client needs to finish the handshake.
type TransportParams struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
	ICEServers     []ICEServer    `json:"iceServers"`
}

// ConnectParams is the remote side of a transport handshake. Workers that
// run full ICE need ICEParameters; ICE lite workers only need DTLS.
type ConnectParams struct {
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *ICEParameters `json:"iceParameters,omitempty"`
	ICECandidates  []ICECandidate `json:"iceCandidates,omitempty"`
}

type ConsumerParams struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

// MediaWorker owns the media plane and hands out routers.
type MediaWorker interface {
	Ready() bool
	CreateRouter(ctx context.Context, room string) (Router, error)
	Close() error
}

// Router negotiates capabilities for one media room.
type Router interface {
	RTPCapabilities() RTPCapabilities
	CreateTransport(ctx context.Context) (Transport, error)
	CanConsume(producerID string, caps RTPCapabilities) bool
	Close() error
}

type Transport interface {
	ID() string
	Params() TransportParams
	Connect(ctx context.Context, remote ConnectParams) error
	Produce(ctx context.Context, kind MediaKind, rtp RTPParameters) (Producer, error)
	Consume(ctx context.Context, producer Producer, caps RTPCapabilities) (Consumer, error)
	Close() error
}

type Producer interface {
	ID() string
	Kind() MediaKind
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Params() ConsumerParams
	Close() error
}
