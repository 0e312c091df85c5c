package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Relay fans one publisher's track out to every subscriber in the room.
type Relay struct {
	Src   *webrtc.TrackRemote
	Owner domain.UserID

	mu        sync.RWMutex
	outTracks map[core.SessionID]*OutTrack

	cancel context.CancelFunc
}

func NewRelay(src *webrtc.TrackRemote, owner domain.UserID, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:       src,
		Owner:     owner,
		outTracks: make(map[core.SessionID]*OutTrack),
		cancel:    cancel,
	}
}

func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []core.SessionID
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("dst_sid", string(dst)).Msg("relay write failed, dropping subscriber")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sid := range dirty {
		if ot, ok := r.outTracks[sid]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, sid)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(dst core.SessionID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[dst] = ot
}

func (r *Relay) hasOutTrack(dst core.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[dst]
	return ok && ot.GetState() != TrackStateDelete
}

// detach removes dst's OutTrack and returns it.
func (r *Relay) detach(dst core.SessionID) (*OutTrack, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ot, ok := r.outTracks[dst]
	if ok {
		ot.MarkDelete()
		delete(r.outTracks, dst)
	}
	return ot, ok
}

// detachAll empties the relay and returns what it held.
func (r *Relay) detachAll() map[core.SessionID]*OutTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.outTracks
	for _, ot := range out {
		ot.MarkDelete()
	}
	r.outTracks = make(map[core.SessionID]*OutTrack)
	return out
}
