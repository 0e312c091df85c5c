package signal

import (
	"context"
	"time"

	"github.com/dkeye/coshop/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// unblocks the read side
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("ping failed")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

// readPump feeds every text frame to handle until the peer goes away.
func (ctl *Controller) readPump(sid core.SessionID, c *WsSignalConn, handle func([]byte)) {
	pongWait := ctl.pingPeriod() * 10 / 9
	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}
