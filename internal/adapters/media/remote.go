package media

import (
	"sync/atomic"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// remoteAudio drains one remote track into the sink until the track ends.
type remoteAudio struct {
	uid    domain.UserID
	track  *webrtc.TrackRemote
	sink   func(domain.UserID, *rtp.Packet)
	closed atomic.Bool
}

func newRemoteAudio(uid domain.UserID, track *webrtc.TrackRemote, sink func(domain.UserID, *rtp.Packet)) *remoteAudio {
	r := &remoteAudio{uid: uid, track: track, sink: sink}
	go r.drain()
	return r
}

func (r *remoteAudio) drain() {
	var n uint64
	for {
		pkt, _, err := r.track.ReadRTP()
		if err != nil {
			log.Debug().Str("module", "media").Str("user", string(r.uid)).Uint64("packets", n).Msg("remote audio ended")
			return
		}
		n++
		if r.sink != nil && !r.closed.Load() {
			r.sink(r.uid, pkt)
		}
	}
}

func (r *remoteAudio) UserID() domain.UserID { return r.uid }

// Close detaches the sink. The read loop ends with the peer connection.
func (r *remoteAudio) Close() { r.closed.Store(true) }

var _ core.RemoteAudio = (*remoteAudio)(nil)
