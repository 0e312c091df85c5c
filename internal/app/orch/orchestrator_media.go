package orch

import (
	"context"

	"github.com/dkeye/coshop/internal/app/sfu"
	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/proto"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// AttachRelay binds a relay signaling channel and its peer connection to sid,
// dropping whatever media the session had before.
func (o *Orchestrator) AttachRelay(sid core.SessionID, sig core.SignalConnection, mc core.MediaConnection) bool {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return false
	}
	if sess.Media() != nil {
		o.cleanupMedia(sid)
	}
	sess.UpdateRelay(sig).UpdateMedia(mc)
	o.BindMediaHandlers(mc, sid)
	return true
}

func (o *Orchestrator) BindMediaHandlers(mc core.MediaConnection, sid core.SessionID) {
	mc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		o.OnTrack(trackCtx, sid, track)
	})
	mc.OnClosed(func() { o.DetachMedia(sid, mc) })
}

// DetachMedia cleans up sid's media if mc is still the session's connection.
func (o *Orchestrator) DetachMedia(sid core.SessionID, mc core.MediaConnection) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Media() != mc {
		return
	}
	o.cleanupMedia(sid)
}

func (o *Orchestrator) mediaOf(sid core.SessionID) core.MediaConnection {
	if sess, ok := o.Registry.GetSession(sid); ok {
		return sess.Media()
	}
	return nil
}

func (o *Orchestrator) sendRelay(sid core.SessionID, v any) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Relay() == nil {
		return
	}
	if frame, ok := encode(v); ok {
		_ = sess.Relay().TrySend(frame)
	}
}

func (o *Orchestrator) cleanupMedia(sid core.SessionID) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	uid := sess.Meta().User.ID
	if o.Relays != nil {
		outs := o.Relays.StopRelay(sid)
		sfu.RemoveSenders(outs, o.mediaOf)
		for dst := range outs {
			o.sendRelay(dst, proto.RelaySignal{Type: proto.TypeRelayParticipantLeft, UserID: uid})
		}
		if code, _, ok := o.Registry.RoomOf(sid); ok {
			for _, snap := range o.Registry.MembersOfRoom(code) {
				o.Relays.Unsubscribe(snap.SID, sid, nil)
			}
		}
	}

	mc := sess.Media()
	sig := sess.Relay()
	sess.UpdateMedia(nil).UpdateRelay(nil)
	if sig != nil {
		sig.Close()
	}
	if mc != nil {
		mc.Close()
	}
}

// OnTrack starts relaying sid's audio and subscribes everyone already on the relay.
func (o *Orchestrator) OnTrack(ctx context.Context, sid core.SessionID, track *webrtc.TrackRemote) {
	if o.Relays == nil {
		return
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Media() == nil {
		return
	}
	uid := sess.Meta().User.ID
	stale := o.Relays.StartRelay(ctx, sid, uid, track)
	sfu.RemoveSenders(stale, o.mediaOf)

	code, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("track without a room")
		return
	}
	for _, snap := range o.Registry.MembersOfRoom(code) {
		if snap.SID == sid {
			continue
		}
		mc := snap.Session.Media()
		if mc == nil {
			continue
		}
		if err := o.Relays.Subscribe(sid, snap.SID, mc); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("src_sid", string(sid)).Str("dst_sid", string(snap.SID)).Msg("subscribe")
			continue
		}
		o.sendRelay(snap.SID, proto.RelaySignal{Type: proto.TypeRelayParticipantReady, UserID: uid})
	}
}

// OnMediaReady subscribes sid to every relay already running in its room.
func (o *Orchestrator) OnMediaReady(sid core.SessionID) {
	if o.Relays == nil {
		return
	}
	code, sess, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	mc := sess.Media()
	if mc == nil {
		return
	}
	for _, snap := range o.Registry.MembersOfRoom(code) {
		if snap.SID == sid {
			continue
		}
		owner, ok := o.Relays.Owner(snap.SID)
		if !ok {
			continue
		}
		if err := o.Relays.Subscribe(snap.SID, sid, mc); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("src_sid", string(snap.SID)).Str("dst_sid", string(sid)).Msg("subscribe")
			continue
		}
		o.sendRelay(sid, proto.RelaySignal{Type: proto.TypeRelayParticipantReady, UserID: owner})
	}
}
