package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var validate = validator.New()

// Client is one WebSocket connection. rooms is owned by the hub loop.
type Client struct {
	id      string
	addr    string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	rooms   map[string]struct{}
	limiter *rate.Limiter
	logger  *slog.Logger
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "err", err)
		return
	}

	id := uuid.NewString()
	c := &Client{
		id:     id,
		addr:   r.RemoteAddr,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
		rooms:  make(map[string]struct{}),
		logger: h.logger.With("client_id", id),
	}
	if rl := h.cfg.RateLimit; rl.Enabled {
		c.limiter = rate.NewLimiter(rate.Limit(rl.PerSecond), rl.Burst)
	}
	if h.cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxFrameBytes)
	}

	// Counted before registering so Shutdown cannot start waiting at zero.
	h.wg.Add(2)
	if !h.submit(event{kind: evRegister, client: c}) {
		h.wg.Add(-2)
		conn.Close()
		return
	}

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.submit(event{kind: evUnregister, client: c})
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn("rate limit exceeded, discarding event")
			c.hub.metrics.RateLimited.Inc()
			continue
		}
		if !c.handleFrame(raw) {
			return
		}
	}
}

// handleFrame decodes one frame and forwards it to the loop. It returns false
// once the hub has stopped.
func (c *Client) handleFrame(raw []byte) bool {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("invalid websocket frame", "err", err)
		return true
	}

	switch env.Event {
	case EventJoin:
		var p JoinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Warn("invalid join payload", "err", err)
			return true
		}
		return c.hub.submit(event{kind: evJoin, client: c, room: p.Room})

	case EventMessage:
		var text string
		if err := json.Unmarshal(env.Data, &text); err != nil {
			c.logger.Warn("invalid message payload", "err", err)
			return true
		}
		return c.hub.submit(event{kind: evText, client: c, text: text})

	case EventUpload:
		var p UploadPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Warn("invalid upload payload", "err", err)
			return true
		}
		return c.hub.submit(c.storeUpload(p))

	default:
		c.logger.Warn("unknown event", "event", env.Event)
		return true
	}
}

// storeUpload writes the file from the read goroutine so other clients keep
// flowing through the loop meanwhile.
func (c *Client) storeUpload(p UploadPayload) event {
	ev := event{client: c, filename: p.Filename, size: len(p.Buffer)}
	if err := validate.Struct(p); err != nil {
		ev.kind, ev.err = evUploadFailed, fmt.Errorf("invalid upload: %w", err)
		return ev
	}
	if err := c.hub.blobs.Save(c.hub.ctx, p.Filename, p.Buffer); err != nil {
		ev.kind, ev.err = evUploadFailed, err
		return ev
	}
	ev.kind = evUploadStored
	return ev
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded maximum size", "limit", c.hub.cfg.MaxFrameBytes)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
		errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug("connection closed", "err", err)
	default:
		c.logger.Warn("websocket read error", "err", err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}
