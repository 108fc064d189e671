package sfu

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Relay copies the RTP of one producer to the out tracks of its consumers.
// Out tracks are keyed by consumer id.
type Relay struct {
	mu        sync.RWMutex
	outTracks map[string]*OutTrack
	closed    bool
}

func NewRelay() *Relay {
	return &Relay{outTracks: make(map[string]*OutTrack)}
}

// loop reads RTP packets from src and forwards them until ctx is done or
// the track ends.
func (r *Relay) loop(ctx context.Context, src *webrtc.TrackRemote, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP ended")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for consumerID, ot := range snapshot {
		if err := ot.Write(pkt); err != nil {
			if !errors.Is(err, errOutTrackDeleted) {
				logger.Warn().Err(err).Str("consumer", consumerID).Msg("relay write RTP error, dropping out track")
			}
			dirty = append(dirty, consumerID)
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

// AddOutTrack attaches ot for consumerID. It reports false once the relay
// has stopped.
func (r *Relay) AddOutTrack(consumerID string, ot *OutTrack) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.outTracks[consumerID] = ot
	return true
}

func (r *Relay) RemoveOutTrack(consumerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ot, ok := r.outTracks[consumerID]; ok {
		ot.MarkDelete()
		delete(r.outTracks, consumerID)
	}
}

func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}
