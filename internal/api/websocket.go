package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"bithumb-trading-bot/internal/events"
	"bithumb-trading-bot/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS layer and the desktop token
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// eventHub fans bus events out to connected websocket clients. A slow
// client's buffer filling up disconnects that client rather than
// blocking the bus.
type eventHub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
	closed  bool
	logger  *logging.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan events.Event
}

func newEventHub(bus *events.Bus) *eventHub {
	h := &eventHub{
		clients: make(map[*wsClient]bool),
		logger:  logging.WithComponent("api-ws"),
	}
	bus.SubscribeAll(h.broadcast)
	return h
}

func (h *eventHub) broadcast(event events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- event:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// handleWebSocket upgrades the connection and streams events until the
// client disconnects
func (h *eventHub) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan events.Event, wsSendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = true
	h.mu.Unlock()

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *eventHub) writeLoop(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains client frames so pong handling works; the stream is
// one-way otherwise
func (h *eventHub) readLoop(client *wsClient) {
	defer h.remove(client)
	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *eventHub) remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	client.conn.Close()
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		client.conn.Close()
	}
}
