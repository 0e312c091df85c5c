package sfu

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateDelete
)

// OutTrack is one publisher's audio as forwarded to one subscriber.
type OutTrack struct {
	Track  *webrtc.TrackLocalStaticRTP
	Sender *webrtc.RTPSender
	state  atomic.Int32
}

func NewOutTrack(track *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender) *OutTrack {
	return &OutTrack{Track: track, Sender: sender}
}

func (ot *OutTrack) GetState() TrackState { return TrackState(ot.state.Load()) }

func (ot *OutTrack) MarkDelete() { ot.state.Store(int32(TrackStateDelete)) }
