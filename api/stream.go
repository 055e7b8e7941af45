package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"opclink/logging"
	"opclink/tagman"
)

// Stream event types.
const (
	eventConnected    = "connected"
	eventValueChange  = "value-change"
	eventStatusChange = "status-change"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
	streamBuffer     = 64
)

// streamEvent is one message sent to WebSocket clients.
type streamEvent struct {
	Type   string      `json:"type"`
	Server string      `json:"-"` // set for server-specific events, used for filtering
	Data   interface{} `json:"data"`
}

type streamClient struct {
	id     string
	server string // empty for all servers
	events chan streamEvent
}

// streamHub fans value and status events out to WebSocket clients. Slow
// clients lose events instead of blocking the publisher.
type streamHub struct {
	mu      sync.RWMutex
	clients map[string]*streamClient
	closed  bool
}

func newStreamHub() *streamHub {
	return &streamHub{clients: make(map[string]*streamClient)}
}

func (h *streamHub) add(server string) *streamClient {
	c := &streamClient{
		id:     uuid.NewString(),
		server: server,
		events: make(chan streamEvent, streamBuffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.events)
		return c
	}
	h.clients[c.id] = c
	return c
}

func (h *streamHub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.events)
	}
}

func (h *streamHub) broadcast(event streamEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.server != "" && event.Server != "" && c.server != event.Server {
			continue
		}
		select {
		case c.events <- event:
		default:
			logging.DebugLog("api-stream", "client %s buffer full, dropping %s event", c.id, event.Type)
		}
	}
}

// clientCount returns the number of connected stream clients.
func (h *streamHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// close disconnects every client.
func (h *streamHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		close(c.events)
		delete(h.clients, id)
	}
}

// broadcastChanges sends a value-change event per change.
func (h *streamHub) broadcastChanges(changes []tagman.ValueChange) {
	for _, change := range changes {
		h.broadcast(streamEvent{Type: eventValueChange, Server: change.Server, Data: change})
	}
}

// broadcastStatus sends a status-change event per server.
func (h *streamHub) broadcastStatus(infos []tagman.ServerInfo) {
	for _, info := range infos {
		h.broadcast(streamEvent{Type: eventStatusChange, Server: info.Name, Data: info})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a WebSocket and streams events until the client
// goes away. ?server= limits the stream to one server.
func (h *handlers) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.DebugError("api-stream", "upgrade", err)
		return
	}

	client := h.hub.add(r.URL.Query().Get("server"))
	logging.DebugLog("api-stream", "client %s connected from %s", client.id, r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.hub.remove(client)
		conn.Close()
		logging.DebugLog("api-stream", "client %s disconnected", client.id)
	}()

	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(streamEvent{Type: eventConnected, Data: map[string]string{"id": client.id}}); err != nil {
		return
	}

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case event, ok := <-client.events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
