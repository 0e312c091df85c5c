package rtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultAPI builds an API with the default codecs and interceptors (NACK, RTCP reports).
func DefaultAPI() (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return NewAPI(me)
}

// NewAPI wires the default interceptors into an already populated media engine.
func NewAPI(me *webrtc.MediaEngine, opts ...func(*webrtc.API)) (*webrtc.API, error) {
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, err
	}
	all := append([]func(*webrtc.API){
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
	}, opts...)
	return webrtc.NewAPI(all...), nil
}
