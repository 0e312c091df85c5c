package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoRelay = errors.New("no relay for session")

// RelayManager owns one Relay per publishing session.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[core.SessionID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{relays: make(map[core.SessionID]*Relay)}
}

// StartRelay starts forwarding track for sid, replacing any earlier relay.
// Subscribers of the replaced relay are returned so their senders can be removed.
func (m *RelayManager) StartRelay(ctx context.Context, sid core.SessionID, owner domain.UserID, track *webrtc.TrackRemote) map[core.SessionID]*OutTrack {
	logger := log.With().
		Str("module", "sfu").
		Str("sid", string(sid)).
		Str("user", string(owner)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, owner, cancel)

	var stale map[core.SessionID]*OutTrack
	m.mu.Lock()
	if old, ok := m.relays[sid]; ok {
		logger.Info().Msg("replacing existing relay")
		stale = old.detachAll()
		old.cancel()
	}
	m.relays[sid] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)
	return stale
}

// Subscribe forwards srcSID's audio to dst. The stream ID of the forwarded
// track is the publisher's user ID, which is how subscribers tell speakers apart.
func (m *RelayManager) Subscribe(srcSID, dstSID core.SessionID, dst core.MediaConnection) error {
	m.mu.RLock()
	relay, ok := m.relays[srcSID]
	m.mu.RUnlock()
	if !ok {
		return ErrNoRelay
	}
	if relay.hasOutTrack(dstSID) {
		return nil
	}
	local, err := webrtc.NewTrackLocalStaticRTP(
		relay.Src.Codec().RTPCodecCapability,
		"audio-"+string(relay.Owner),
		string(relay.Owner),
	)
	if err != nil {
		return fmt.Errorf("local track: %w", err)
	}
	sender, err := dst.AddLocalTrack(local)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	go drainRTCP(sender)
	relay.AddOutTrack(dstSID, NewOutTrack(local, sender))
	log.Info().Str("module", "sfu").Str("src_sid", string(srcSID)).Str("dst_sid", string(dstSID)).Msg("subscribed")
	return dst.Renegotiate()
}

// Unsubscribe stops forwarding srcSID to dstSID. When dst is still live its
// sender is removed and the connection renegotiated.
func (m *RelayManager) Unsubscribe(srcSID, dstSID core.SessionID, dst core.MediaConnection) {
	m.mu.RLock()
	relay, ok := m.relays[srcSID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	ot, ok := relay.detach(dstSID)
	if !ok || dst == nil || dst.IsClosed() {
		return
	}
	removeSender(dst, ot)
}

// StopRelay stops the relay of srcSID and returns its subscribers' tracks.
func (m *RelayManager) StopRelay(srcSID core.SessionID) map[core.SessionID]*OutTrack {
	m.mu.Lock()
	relay, ok := m.relays[srcSID]
	if ok {
		delete(m.relays, srcSID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	relay.cancel()
	return relay.detachAll()
}

// Owner returns the publisher of sid's relay.
func (m *RelayManager) Owner(sid core.SessionID) (domain.UserID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[sid]
	if !ok {
		return "", false
	}
	return relay.Owner, true
}

// RemoveSenders takes detached tracks off their subscribers' connections.
func RemoveSenders(outs map[core.SessionID]*OutTrack, lookup func(core.SessionID) core.MediaConnection) {
	for dst, ot := range outs {
		mc := lookup(dst)
		if mc == nil || mc.IsClosed() {
			continue
		}
		removeSender(mc, ot)
	}
}

func removeSender(mc core.MediaConnection, ot *OutTrack) {
	if ot.Sender == nil {
		return
	}
	if err := mc.RemoveLocalTrack(ot.Sender); err != nil {
		log.Debug().Err(err).Str("module", "sfu").Msg("remove sender")
		return
	}
	if err := mc.Renegotiate(); err != nil {
		log.Warn().Err(err).Str("module", "sfu").Msg("renegotiate after remove")
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
