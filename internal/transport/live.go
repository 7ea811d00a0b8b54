package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/alert"
)

const (
	liveSendBuffer = 256
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingEvery  = livePongWait * 9 / 10
)

type liveClient struct {
	id   string
	conn *websocket.Conn
	send chan Message
	once sync.Once
}

func (c *liveClient) close() {
	c.once.Do(func() { close(c.send) })
}

// LiveHub рассылает алерты подключенным websocket-клиентам операторского пульта.
// Медленный клиент с переполненным буфером отключается, остальные не ждут.
type LiveHub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*liveClient]struct{}

	delivered atomic.Int64
	evicted   atomic.Int64
}

func NewLiveHub(log zerolog.Logger) *LiveHub {
	return &LiveHub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*liveClient]struct{}),
	}
}

func (h *LiveHub) Send(_ context.Context, p alert.Payload) error {
	msg := newMessage(p)

	h.mu.RLock()
	var slow []*liveClient
	for c := range h.clients {
		select {
		case c.send <- msg:
			h.delivered.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.evicted.Add(1)
		h.log.Warn().Str("client_id", c.id).Msg("live client too slow, disconnecting")
		h.unregister(c)
	}
	return nil
}

func (h *LiveHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := r.URL.Query().Get("client_id")
	if id == "" {
		id = uuid.NewString()
	}
	c := &liveClient{id: id, conn: conn, send: make(chan Message, liveSendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info().Str("client_id", id).Msg("live client connected")

	go h.writePump(c)
	h.readPump(c)
}

// readPump нужен только для pong и обнаружения отключения; входящие сообщения игнорируются.
func (h *LiveHub) readPump(c *liveClient) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
		h.log.Info().Str("client_id", c.id).Msg("live client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Str("client_id", c.id).Msg("live client read error")
			}
			return
		}
	}
}

func (h *LiveHub) writePump(c *liveClient) {
	ticker := time.NewTicker(livePingEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *LiveHub) unregister(c *liveClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *LiveHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close отключает всех клиентов.
func (h *LiveHub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*liveClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}
