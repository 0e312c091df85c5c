//go:build !linux || !cgo || nomic

package media

import (
	"errors"

	"github.com/dkeye/coshop/internal/adapters/rtc"
	"github.com/pion/webrtc/v4"
)

func newAPI() (*webrtc.API, error) {
	return rtc.DefaultAPI()
}

// Microphone capture needs the linux drivers and cgo opus; elsewhere, or when
// built with -tags nomic, use media.capture=silence.
func captureMic() (webrtc.TrackLocal, func(), error) {
	return nil, nil, errors.New("microphone capture is not supported on this platform")
}
