package media

import (
	"sync"

	"github.com/dkeye/coshop/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

// maxSeqJump is the largest forward sequence gap still counted as loss.
// Anything bigger is a restarted sender.
const maxSeqJump = 1000

// MeterStats is what one remote sender delivered so far.
type MeterStats struct {
	Packets uint64
	Bytes   uint64
	Lost    uint64
}

// Meter is an Options.Sink that counts remote audio per sender and logs a
// summary every Every packets.
type Meter struct {
	Every uint64

	mu     sync.Mutex
	byUser map[domain.UserID]*meterState
}

type meterState struct {
	MeterStats
	lastSeq uint16
	seen    bool
}

func NewMeter(every uint64) *Meter {
	if every == 0 {
		every = 500
	}
	return &Meter{Every: every, byUser: make(map[domain.UserID]*meterState)}
}

func (m *Meter) Sink(from domain.UserID, pkt *rtp.Packet) {
	m.mu.Lock()
	st, ok := m.byUser[from]
	if !ok {
		st = &meterState{}
		m.byUser[from] = st
	}
	st.Packets++
	st.Bytes += uint64(len(pkt.Payload))
	if st.seen {
		// uint16 arithmetic wraps with the sequence number
		gap := pkt.SequenceNumber - st.lastSeq
		if gap > 1 && gap < maxSeqJump {
			st.Lost += uint64(gap - 1)
		}
	}
	st.lastSeq, st.seen = pkt.SequenceNumber, true
	snap := st.MeterStats
	m.mu.Unlock()

	if snap.Packets%m.Every == 0 {
		log.Debug().Str("module", "media.meter").Str("from", string(from)).
			Uint64("packets", snap.Packets).Uint64("bytes", snap.Bytes).Uint64("lost", snap.Lost).
			Msg("remote audio")
	}
}

// Stats reports what from delivered. The zero value means nothing yet.
func (m *Meter) Stats(from domain.UserID) MeterStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.byUser[from]; ok {
		return st.MeterStats
	}
	return MeterStats{}
}
