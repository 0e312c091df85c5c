package core

import (
	"context"
	"errors"

	"github.com/dkeye/coshop/internal/domain"
	"github.com/pion/webrtc/v4"
)

type ProviderKind string

const (
	ProviderDirectPeer   ProviderKind = "direct"
	ProviderManagedRelay ProviderKind = "relay"
)

// Negotiation is the provider-specific call setup payload carried by offers and answers.
type Negotiation struct {
	Provider ProviderKind               `json:"provider"`
	SDP      *webrtc.SessionDescription `json:"sdp,omitempty"`
	Channel  string                     `json:"channel,omitempty"`
}

// LocalMedia is the exclusively owned local audio capture.
type LocalMedia interface {
	AttachTo(pc *webrtc.PeerConnection) error
	SetMuted(muted bool) error
	Muted() bool
	Close() error
}

// RemoteAudio renders one remote participant until closed.
type RemoteAudio interface {
	UserID() domain.UserID
	Close()
}

// SessionHooks are invoked from provider goroutines; receivers must hop back
// to their own loop before touching state.
type SessionHooks struct {
	OnLocalCandidate    func(webrtc.ICECandidateInit)
	OnParticipantJoined func(RemoteAudio)
	OnParticipantLeft   func(domain.UserID)
	OnEstablished       func()
	OnFailed            func(error)
}

type SessionParams struct {
	Room  domain.RoomCode
	Self  domain.User
	Media LocalMedia
	Hooks SessionHooks
}

// ErrPeerBusy is returned by ApplyAnswer when the session cannot take another answerer.
var ErrPeerBusy = errors.New("peer session already paired")

// PeerSession is one half-or-fully negotiated call session.
type PeerSession interface {
	CreateOffer(ctx context.Context) (Negotiation, error)
	AcceptOffer(ctx context.Context, from domain.UserID, offer Negotiation) (Negotiation, error)
	ApplyAnswer(ctx context.Context, from domain.UserID, answer Negotiation) error
	AddRemoteCandidate(from domain.UserID, c webrtc.ICECandidateInit) error
	// Close discards any half-completed negotiation. Idempotent.
	Close()
}

// MediaSessionProvider hides DirectPeer vs ManagedRelay from the call machine.
type MediaSessionProvider interface {
	Kind() ProviderKind
	AcquireLocalMedia(ctx context.Context) (LocalMedia, error)
	Open(ctx context.Context, p SessionParams) (PeerSession, error)
}
