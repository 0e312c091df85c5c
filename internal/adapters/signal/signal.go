// Package signal holds the hub's WebSocket controllers: the room event
// channel every member keeps open, and the relay signaling channel used by
// managed-relay calls.
package signal

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/coshop/internal/app"
	"github.com/dkeye/coshop/internal/app/orch"
	"github.com/dkeye/coshop/internal/core"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Controller struct {
	Orch    *orch.Orchestrator
	Tokens  *app.RelayTokens
	Limiter *RoomRateLimiter
	// API builds relay peer connections. Nil means rtc.DefaultAPI.
	API        *webrtc.API
	ICEServers []string
	SendBuffer int
	ReadLimit  int64
	PingPeriod time.Duration
}

func (ctl *Controller) sendBuffer() int {
	if ctl.SendBuffer <= 0 {
		return 64
	}
	return ctl.SendBuffer
}

func (ctl *Controller) pingPeriod() time.Duration {
	if ctl.PingPeriod <= 0 {
		return 54 * time.Second
	}
	return ctl.PingPeriod
}

// WsSignalConn is a gorilla connection with a bounded outbound queue.
// TrySend never blocks: a full queue is reported as ErrBackpressure.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *WsSignalConn) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
