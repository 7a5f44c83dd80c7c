// Package hub relays chat events between WebSocket clients. A single event
// loop owns the connection registry and the room map, persists events through
// the message log and fans them out to connected clients.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"

	"github.com/gorilla/websocket"
)

// RateLimitConfig throttles inbound events per connection.
type RateLimitConfig struct {
	Enabled   bool
	PerSecond float64
	Burst     int
}

// Config configures the hub.
type Config struct {
	HistoryLimit   int   // messages pushed on connect (default: 50)
	SendBuffer     int   // per-connection outbound queue (default: 256)
	MaxFrameBytes  int64 // 0 disables the read limit
	AllowedOrigins []string
	RateLimit      RateLimitConfig
	Logger         *slog.Logger
	Metrics        *metrics.Collector
}

type eventKind int

const (
	evRegister eventKind = iota
	evUnregister
	evJoin
	evText
	evUploadStored
	evUploadFailed
)

// event is everything the loop is asked to do. Only the fields relevant to
// kind are set.
type event struct {
	kind     eventKind
	client   *Client
	room     string
	text     string
	filename string
	size     int
	err      error
}

// Hub manages all WebSocket clients. Everything that touches clients, rooms
// or a client's send channel happens on the Run goroutine.
type Hub struct {
	cfg      Config
	messages domain.MessageLog
	blobs    domain.BlobStore
	logger   *slog.Logger
	metrics  *metrics.Collector
	upgrader websocket.Upgrader

	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	count   atomic.Int64

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a hub. Call Run before serving connections.
func New(cfg Config, messages domain.MessageLog, blobs domain.BlobStore) *Hub {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = domain.DefaultHistoryLimit
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		messages: messages,
		blobs:    blobs,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		clients:  make(map[*Client]struct{}),
		rooms:    make(map[string]map[*Client]struct{}),
		events:   make(chan event, 256),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     newOriginPolicy(cfg.AllowedOrigins, cfg.Logger).check,
	}
	return h
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// submit hands an event to the loop. It reports false once the loop has
// stopped.
func (h *Hub) submit(ev event) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	}
}

// Run is the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return
		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev event) {
	if ev.kind == evRegister {
		h.handleRegister(ev.client)
		return
	}
	if _, ok := h.clients[ev.client]; !ok {
		// Dropped or already gone; nothing left to answer.
		return
	}

	switch ev.kind {
	case evUnregister:
		h.remove(ev.client)
		h.logger.Info("client disconnected", "client_id", ev.client.id, "clients", len(h.clients))
	case evJoin:
		h.handleJoin(ev.client, ev.room)
	case evText:
		h.handleText(ev.client, ev.text)
	case evUploadStored:
		h.handleUploadStored(ev.client, ev.filename, ev.size)
	case evUploadFailed:
		h.logger.Error("upload failed", "client_id", ev.client.id, "filename", ev.filename, "err", ev.err)
		h.metrics.UploadErrors.Inc()
		h.unicast(ev.client, EventUploadError, UploadFileFailed)
	}
}

func (h *Hub) handleRegister(c *Client) {
	h.clients[c] = struct{}{}
	h.count.Store(int64(len(h.clients)))
	h.metrics.ConnectionsActive.Inc()
	h.metrics.ConnectionsTotal.Inc()
	h.logger.Info("client connected", "client_id", c.id, "addr", c.addr, "clients", len(h.clients))

	history, err := h.messages.Recent(h.ctx, h.cfg.HistoryLimit)
	if err != nil {
		h.logger.Error("load recent messages", "client_id", c.id, "err", err)
		h.metrics.StoreErrors.Inc()
		history = nil
	}
	if history == nil {
		history = []domain.Message{}
	}
	h.unicast(c, EventRecentMessages, history)
}

func (h *Hub) handleJoin(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
	h.logger.Debug("client joined room", "client_id", c.id, "room", room)

	notice := domain.Broadcast{Type: domain.KindStatus, Content: JoinNotice}
	h.broadcastRoom(room, c, EventMessage, notice)
}

func (h *Hub) handleText(c *Client, text string) {
	msg, err := h.messages.Append(h.ctx, domain.KindText, text, c.id)
	if err != nil {
		h.logger.Error("store text message", "client_id", c.id, "err", err)
		h.metrics.StoreErrors.Inc()
		return
	}
	h.metrics.MessagesTotal.WithLabelValues(string(domain.KindText)).Inc()
	h.broadcastAll(EventMessage, msg.ToBroadcast())
}

func (h *Hub) handleUploadStored(c *Client, filename string, size int) {
	msg, err := h.messages.Append(h.ctx, domain.KindImage, filename, c.id)
	if err != nil {
		h.logger.Error("store upload message", "client_id", c.id, "filename", filename, "err", err)
		h.metrics.StoreErrors.Inc()
		h.unicast(c, EventUploadError, UploadStoreFailed)
		return
	}
	h.metrics.UploadBytes.Add(float64(size))
	h.metrics.MessagesTotal.WithLabelValues(string(domain.KindImage)).Inc()
	h.broadcastAll(EventMessage, msg.ToBroadcast())
	h.unicast(c, EventUploadSuccess, UploadOK)
}

func (h *Hub) unicast(c *Client, event string, data any) {
	payload, err := encode(event, data)
	if err != nil {
		h.logger.Error("encode event", "event", event, "err", err)
		return
	}
	h.deliver(c, payload)
}

func (h *Hub) broadcastAll(event string, data any) {
	payload, err := encode(event, data)
	if err != nil {
		h.logger.Error("encode event", "event", event, "err", err)
		return
	}
	for c := range h.clients {
		h.deliver(c, payload)
	}
}

// broadcastRoom sends to every member of room except skip.
func (h *Hub) broadcastRoom(room string, skip *Client, event string, data any) {
	payload, err := encode(event, data)
	if err != nil {
		h.logger.Error("encode event", "event", event, "err", err)
		return
	}
	for c := range h.rooms[room] {
		if c != skip {
			h.deliver(c, payload)
		}
	}
}

// deliver queues payload for c, dropping c when its queue is full.
func (h *Hub) deliver(c *Client, payload []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
		h.logger.Warn("client removed due to full send buffer", "client_id", c.id)
		h.metrics.DroppedClients.Inc()
		h.remove(c)
	}
}

// remove forgets c and closes its send channel, which ends its write pump.
func (h *Hub) remove(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	close(c.send)
	h.count.Store(int64(len(h.clients)))
	h.metrics.ConnectionsActive.Dec()
}

// shutdownClients closes every registered client and any connection whose
// registration was still queued.
func (h *Hub) shutdownClients() {
	n := len(h.clients)
	for c := range h.clients {
		h.remove(c)
	}
	for {
		select {
		case ev := <-h.events:
			if ev.kind == evRegister {
				close(ev.client.send)
				ev.client.conn.Close()
			}
		default:
			h.logger.Info("closed client connections", "count", n)
			return
		}
	}
}

// Shutdown stops the loop and waits up to timeout for client goroutines.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("hub shutting down")
	h.cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timed out, client goroutines still running")
		return context.DeadlineExceeded
	}
}
