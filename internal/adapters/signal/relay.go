package signal

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dkeye/coshop/internal/adapters/rtc"
	"github.com/dkeye/coshop/internal/proto"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// HandleRelay accepts a member's managed-relay connection. The token names
// the room and user; the user must already hold an open event channel there.
func (ctl *Controller) HandleRelay(ctx context.Context, c *gin.Context) {
	claims, err := ctl.Tokens.Verify(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, proto.APIError{Code: proto.CodeBadPayload, Error: err.Error()})
		return
	}
	sid, _, ok := ctl.Orch.Registry.SessionOfUser(claims.Room, claims.UserID())
	if !ok {
		c.JSON(http.StatusConflict, proto.APIError{Code: proto.CodeNotInRoom, Error: "join the room first"})
		return
	}

	wc, err := rtc.NewWebRTCConnection(rtc.Options{
		Config:        rtc.DefaultWebRTCConfig(ctl.ICEServers...),
		API:           ctl.API,
		WaitGathering: true,
	}, sid)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("relay peer connection")
		c.JSON(http.StatusInternalServerError, proto.APIError{Code: proto.CodeInternal, Error: "relay unavailable"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("relay ws upgrade")
		wc.Close()
		return
	}
	conn := newWsSignalConn(ws, ctl.sendBuffer())
	lg := log.With().Str("module", "signal.relay").Str("sid", string(sid)).Str("user", string(claims.UserID())).Logger()

	wc.OnRenegotiate(func(offer webrtc.SessionDescription) {
		conn.sendJSON(proto.RelaySignal{Type: proto.TypeRelayOffer, SDP: offer.SDP})
	})
	if !ctl.Orch.AttachRelay(sid, conn, wc) {
		wc.Close()
		conn.Close()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := wc.Start(ctx); err != nil {
		lg.Error().Err(err).Msg("relay start")
		ctl.Orch.DetachMedia(sid, wc)
		cancel()
		return
	}
	lg.Info().Str("room", string(claims.Room)).Msg("relay connected")

	go ctl.writePump(ctx, conn)
	go func() {
		defer func() {
			ctl.Orch.DetachMedia(sid, wc)
			wc.Close()
			conn.Close()
			cancel()
			lg.Info().Msg("relay closed")
		}()
		ready := false
		ctl.readPump(sid, conn, func(data []byte) {
			var msg proto.RelaySignal
			if err := json.Unmarshal(data, &msg); err != nil {
				conn.sendJSON(proto.NewError(proto.CodeBadPayload, err.Error()))
				return
			}
			switch msg.Type {
			case proto.TypeRelayOffer:
				answer, err := wc.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP})
				if err != nil {
					lg.Warn().Err(err).Msg("relay offer rejected")
					conn.sendJSON(proto.NewError(proto.CodeBadPayload, "offer rejected"))
					return
				}
				conn.sendJSON(proto.RelaySignal{Type: proto.TypeRelayAnswer, SDP: answer.SDP})
				if !ready {
					ready = true
					ctl.Orch.OnMediaReady(sid)
				}
				if err := wc.ResumePending(); err != nil {
					lg.Warn().Err(err).Msg("renegotiate")
				}
			case proto.TypeRelayAnswer:
				if err := wc.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
					lg.Warn().Err(err).Msg("relay answer rejected")
				}
			case proto.TypeRelayCandidate:
				if msg.Candidate == nil {
					return
				}
				if err := wc.AddICECandidate(*msg.Candidate); err != nil {
					lg.Debug().Err(err).Msg("relay candidate rejected")
				}
			default:
				lg.Debug().Str("type", msg.Type).Msg("ignored relay message")
			}
		})
	}()
}
