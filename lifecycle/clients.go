package lifecycle

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	storefront "github.com/shery7378/multifront-sub002"
	"github.com/shery7378/multifront-sub002/syncer"
	"github.com/shery7378/multifront-sub002/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	sendBuffer = 32
)

// Notice types sent to client windows.
const (
	NoticePush     = "push"
	NoticeFocus    = "focus"
	NoticeOpen     = "open"
	NoticeSync     = "sync"
	NoticeActivate = "activate"
)

// Notice is a JSON message delivered to connected client windows.
type Notice struct {
	Type         string         `json:"type"`
	URL          string         `json:"url,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	Sync         *syncer.Result `json:"sync,omitempty"`
	Version      string         `json:"version,omitempty"`
}

// ClientInfo describes a connected window.
type ClientInfo struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type clientMessage struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Clients tracks connected storefront windows over websockets. A window
// connects with its current location and reports navigations; the hub uses
// that to focus or open windows and to broadcast notices.
type Clients struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*connection]struct{}
	seq   uint64
}

// NewClients creates an empty hub.
func NewClients(logger *slog.Logger) *Clients {
	if logger == nil {
		logger = slog.Default()
	}
	return &Clients{
		logger: logger.With("component", "clients"),
		conns:  make(map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				return originHost == hostWithoutPort(r.Host) || isLoopback(originHost)
			},
		},
	}
}

// ServeHTTP upgrades the request and registers the window. The "url" query
// parameter is the window's current location.
func (h *Clients) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := h.register(socket, r.URL.Query().Get("url"))
	go c.writeLoop()
	c.readLoop()
}

// List returns the connected windows in connection order.
func (h *Clients) List() []ClientInfo {
	conns := h.ordered()
	out := make([]ClientInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, ClientInfo{ID: c.id, URL: c.location()})
	}
	return out
}

// Count returns the number of connected windows.
func (h *Clients) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends n to every window and returns how many accepted it.
func (h *Clients) Broadcast(ctx context.Context, n Notice) int {
	delivered := 0
	for _, c := range h.ordered() {
		if c.enqueue(n) {
			delivered++
		}
	}
	telemetry.RecordClientMessage(ctx, n.Type, delivered)
	return delivered
}

// Focus sends a focus notice to the first window showing target. It returns
// the window, or false when none matches.
func (h *Clients) Focus(ctx context.Context, target string) (ClientInfo, bool) {
	want := storefront.CanonicalURL(target)
	for _, c := range h.ordered() {
		if storefront.CanonicalURL(c.location()) != want {
			continue
		}
		if c.enqueue(Notice{Type: NoticeFocus, URL: target}) {
			telemetry.RecordClientMessage(ctx, NoticeFocus, 1)
			return ClientInfo{ID: c.id, URL: c.location()}, true
		}
	}
	return ClientInfo{}, false
}

// Open asks the first connected window to open target in a new window. It
// returns false when no window is connected.
func (h *Clients) Open(ctx context.Context, target string) (ClientInfo, bool) {
	for _, c := range h.ordered() {
		if c.enqueue(Notice{Type: NoticeOpen, URL: target}) {
			telemetry.RecordClientMessage(ctx, NoticeOpen, 1)
			return ClientInfo{ID: c.id, URL: c.location()}, true
		}
	}
	telemetry.RecordClientMessage(ctx, NoticeOpen, 0)
	return ClientInfo{}, false
}

// NotifySync tells every window the outcome of a sync run.
func (h *Clients) NotifySync(ctx context.Context, result syncer.Result) {
	h.Broadcast(ctx, Notice{Type: NoticeSync, Sync: &result})
}

// Close disconnects every window.
func (h *Clients) Close() {
	for _, c := range h.ordered() {
		c.close()
	}
}

func (h *Clients) register(socket *websocket.Conn, location string) *connection {
	h.mu.Lock()
	h.seq++
	c := &connection{
		hub:    h,
		socket: socket,
		id:     uuid.NewString(),
		seq:    h.seq,
		url:    location,
		send:   make(chan Notice, sendBuffer),
	}
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()

	telemetry.UpdateConnectedClients(context.Background(), n)
	h.logger.Debug("client connected", "id", c.id, "url", location)
	return c
}

func (h *Clients) unregister(c *connection) {
	h.mu.Lock()
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()

	telemetry.UpdateConnectedClients(context.Background(), n)
	h.logger.Debug("client disconnected", "id", c.id)
}

func (h *Clients) ordered() []*connection {
	h.mu.RLock()
	out := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	h.mu.RUnlock()

	slices.SortFunc(out, func(a, b *connection) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

type connection struct {
	hub    *Clients
	socket *websocket.Conn
	id     string
	seq    uint64

	mu     sync.Mutex
	url    string
	closed bool
	send   chan Notice
	once   sync.Once
}

func (c *connection) location() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// enqueue queues n without blocking. A window that cannot keep up is
// disconnected.
func (c *connection) enqueue(n Notice) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- n:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		c.hub.logger.Debug("dropping slow client", "id", c.id)
		c.close()
		return false
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("unexpected client close", "id", c.id, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.hub.logger.Debug("invalid client message", "id", c.id, "error", err)
			continue
		}
		switch msg.Type {
		case "navigate":
			c.mu.Lock()
			c.url = msg.URL
			c.mu.Unlock()
		default:
			c.hub.logger.Debug("unsupported client message", "id", c.id, "type", msg.Type)
		}
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(n); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		_ = c.socket.Close()
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		if u, err := url.Parse(host); err == nil {
			host = u.Host
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
