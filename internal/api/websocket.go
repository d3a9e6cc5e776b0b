package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/marctheshark3/mining-wave/internal/demurrage"
	"github.com/marctheshark3/mining-wave/internal/util"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // read-only public feed
	},
}

// WSNotify is a server notification
type WSNotify struct {
	Method string             `json:"method"`
	Params []*demurrage.Event `json:"params"`
}

// WSClient is a connected feed subscriber
type WSClient struct {
	ID          uint64
	Conn        *websocket.Conn
	RemoteAddr  string
	ConnectedAt time.Time

	writeMu sync.Mutex
	quit    chan struct{}
}

// Hub fans new demurrage events out to websocket subscribers
type Hub struct {
	clients   sync.Map // clientID -> *WSClient
	clientSeq uint64
	wg        sync.WaitGroup

	// guards closed against registration so Close never misses a client
	mu     sync.Mutex
	closed bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	s.hub.Serve(c.Writer, c.Request, c.ClientIP())
}

// Serve upgrades the request and keeps the subscriber until it disconnects
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, ip string) {
	if h.isClosed() {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	client := &WSClient{
		ID:          atomic.AddUint64(&h.clientSeq, 1),
		Conn:        conn,
		RemoteAddr:  ip,
		ConnectedAt: time.Now(),
		quit:        make(chan struct{}),
	}
	if !h.register(client) {
		goAway(client)
		return
	}
	util.Debugf("WebSocket client %d connected from %s", client.ID, ip)

	go h.readLoop(client)
	go h.pingLoop(client)
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// register adds client and accounts for its two loops, unless the hub is closed
func (h *Hub) register(client *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients.Store(client.ID, client)
	h.wg.Add(2)
	return true
}

func goAway(client *WSClient) {
	client.writeMu.Lock()
	_ = client.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(time.Second))
	client.writeMu.Unlock()
	client.Conn.Close()
}

// readLoop discards client messages and detects disconnects
func (h *Hub) readLoop(client *WSClient) {
	defer h.wg.Done()
	defer func() {
		client.Conn.Close()
		h.clients.Delete(client.ID)
		close(client.quit)
		util.Debugf("WebSocket client %d disconnected", client.ID)
	}()

	client.Conn.SetReadLimit(512)
	client.Conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) pingLoop(client *WSClient) {
	defer h.wg.Done()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.quit:
			return
		case <-ticker.C:
			client.writeMu.Lock()
			err := client.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			client.writeMu.Unlock()
			if err != nil {
				client.Conn.Close()
				return
			}
		}
	}
}

// Publish sends events to every connected client
func (h *Hub) Publish(ctx context.Context, events []*demurrage.Event) {
	if len(events) == 0 {
		return
	}
	msg := WSNotify{Method: "demurrage_events", Params: events}
	h.clients.Range(func(_, value interface{}) bool {
		h.send(value.(*WSClient), msg)
		return true
	})
}

// send writes a message to the client
func (h *Hub) send(client *WSClient, msg interface{}) {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.Conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := client.Conn.WriteJSON(msg); err != nil {
		util.Debugf("WebSocket write error for client %d: %v", client.ID, err)
		client.Conn.Close()
	}
}

// ClientCount returns number of connected clients
func (h *Hub) ClientCount() int {
	count := 0
	h.clients.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// Close disconnects every client and waits for their loops to exit
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.clients.Range(func(_, value interface{}) bool {
		goAway(value.(*WSClient))
		return true
	})
	h.wg.Wait()
}
