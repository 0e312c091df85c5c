package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaConnection is one pion peer connection owned by an adapter.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnConnected sets a callback for the first transition into the connected state.
	OnConnected(func())
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveLocalTrack(sender *webrtc.RTPSender) error
	// PeerConnection exposes the raw connection for local media attachment.
	PeerConnection() *webrtc.PeerConnection
	// OnClosed sets a callback for cleanup media session.
	OnClosed(func())
	// OnRenegotiate sets where fresh local offers go once tracks change.
	OnRenegotiate(func(webrtc.SessionDescription))
	// Renegotiate creates a new offer now, or after the pending answer arrives.
	Renegotiate() error
}
