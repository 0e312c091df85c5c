// Package bus is the client end of the hub's room event channel.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

type Dialer struct {
	// HubURL is the hub's http(s) base URL.
	HubURL       string
	SendBuffer   int
	PingPeriod   time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	WS           *websocket.Dialer
}

// BusURL maps the hub base URL to the room channel endpoint.
func BusURL(hub string, room domain.RoomCode, self domain.User) (string, error) {
	u, err := url.Parse(strings.TrimRight(hub, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/ws/bus"
	q := url.Values{}
	q.Set("room", string(room))
	q.Set("user", string(self.ID))
	q.Set("name", self.Username)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects once and returns a bus that reconnects by itself afterwards.
func (d *Dialer) Dial(ctx context.Context, room domain.RoomCode, self domain.User) (core.EventBus, error) {
	target, err := BusURL(d.HubURL, room, self)
	if err != nil {
		return nil, err
	}
	c := &Client{
		url:    target,
		d:      d.withDefaults(),
		log:    log.With().Str("module", "bus").Str("room", string(room)).Logger(),
		events: make(chan core.Event, 64),
		done:   make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	ws, err := c.connect(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	// attached before returning so the first Emit already has a live queue
	send, _ := c.attach(ws)
	go c.run(ws, send)
	return c, nil
}

func (d *Dialer) withDefaults() Dialer {
	out := *d
	if out.SendBuffer <= 0 {
		out.SendBuffer = 32
	}
	if out.PingPeriod <= 0 {
		out.PingPeriod = 20 * time.Second
	}
	if out.ReconnectMin <= 0 {
		out.ReconnectMin = 250 * time.Millisecond
	}
	if out.ReconnectMax < out.ReconnectMin {
		out.ReconnectMax = 5 * time.Second
	}
	if out.WS == nil {
		out.WS = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return out
}

type Client struct {
	url string
	d   Dialer
	log zerolog.Logger

	events chan core.Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool
	closeOnce sync.Once

	mu   sync.Mutex
	ws   *websocket.Conn
	send chan []byte
}

func (c *Client) Events() <-chan core.Event { return c.events }

func (c *Client) Connected() bool { return c.connected.Load() }

// Emit queues msg on the live connection. Nothing is buffered across reconnects.
func (c *Client) Emit(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil || !c.connected.Load() {
		return domain.ErrTransportUnavailable
	}
	select {
	case c.send <- b:
		return nil
	default:
		return fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, ErrBackpressure)
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.ws != nil {
			_ = c.ws.Close()
		}
		c.mu.Unlock()
		<-c.done
		c.log.Info().Msg("bus closed")
	})
}

var errRoomGone = errors.New("room no longer exists")

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := c.d.WS.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRoom, errRoomGone)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return ws, nil
}

func (c *Client) run(ws *websocket.Conn, send chan []byte) {
	defer close(c.done)
	defer close(c.events)
	reconnected := false
	for {
		c.serve(ws, send, reconnected)
		if c.ctx.Err() != nil {
			return
		}
		c.push(core.TransportChanged{Connected: false})
		if ws = c.redial(); ws == nil {
			return
		}
		var ok bool
		if send, ok = c.attach(ws); !ok {
			return
		}
		reconnected = true
	}
}

// redial retries with exponential backoff until it connects, the client is
// closed, or the hub says the room is gone.
func (c *Client) redial() *websocket.Conn {
	backoff := c.d.ReconnectMin
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		ws, err := c.connect(c.ctx)
		if err == nil {
			c.log.Info().Msg("reconnected")
			return ws
		}
		if errors.Is(err, errRoomGone) {
			c.log.Info().Msg("room gone while reconnecting")
			c.push(core.RoomEnded{})
			return nil
		}
		c.log.Debug().Err(err).Dur("backoff", backoff).Msg("reconnect failed")
		if backoff *= 2; backoff > c.d.ReconnectMax {
			backoff = c.d.ReconnectMax
		}
	}
}

// attach makes ws the live connection. It fails once the client is closed.
func (c *Client) attach(ws *websocket.Conn) (chan []byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		_ = ws.Close()
		return nil, false
	}
	send := make(chan []byte, c.d.SendBuffer)
	c.ws, c.send = ws, send
	c.connected.Store(true)
	return send, true
}

// serve pumps one attached connection until it drops.
func (c *Client) serve(ws *websocket.Conn, send chan []byte, reconnected bool) {
	stop := make(chan struct{})
	if reconnected {
		c.push(core.TransportChanged{Connected: true, Reconnected: true})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ws, send, stop)
	}()
	c.readPump(ws)

	c.mu.Lock()
	c.connected.Store(false)
	c.ws, c.send = nil, nil
	c.mu.Unlock()
	close(stop)
	_ = ws.Close()
	wg.Wait()
}

func (c *Client) readPump(ws *websocket.Conn) {
	wait := 2 * c.d.PingPeriod
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ev, err := Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("bad message")
			continue
		}
		if ev != nil {
			c.push(ev)
		}
	}
}

func (c *Client) writePump(ws *websocket.Conn, send <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(c.d.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case data := <-send:
			if err := ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn().Err(err).Msg("write error")
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

func (c *Client) push(ev core.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

var (
	_ core.EventBus  = (*Client)(nil)
	_ core.BusDialer = (*Dialer)(nil)
)
