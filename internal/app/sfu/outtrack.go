package sfu

import (
	"errors"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateDelete
)

var errOutTrackDeleted = errors.New("out track deleted")

// OutTrack is the local track feeding one consumer. Once deleted it never
// writes again.
type OutTrack struct {
	Track   *webrtc.TrackLocalStaticRTP
	state   atomic.Int32
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func NewOutTrack(track *webrtc.TrackLocalStaticRTP) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

// Write forwards pkt and counts it. A failed write deletes the track.
func (ot *OutTrack) Write(pkt *rtp.Packet) error {
	if ot.GetState() == TrackStateDelete {
		return errOutTrackDeleted
	}
	if err := ot.Track.WriteRTP(pkt); err != nil {
		ot.MarkDelete()
		return err
	}
	ot.packets.Add(1)
	ot.bytes.Add(uint64(len(pkt.Payload)))
	return nil
}

// Forwarded returns the packets and payload bytes written so far.
func (ot *OutTrack) Forwarded() (packets, bytes uint64) {
	return ot.packets.Load(), ot.bytes.Load()
}
