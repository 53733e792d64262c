package relay

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sprintsync/internal/protocol"
)

var ErrBackpressure = errors.New("client send buffer full")

// wsClient is one connected socket. Writes go through a buffered send
// channel drained by the write pump; a full buffer drops the frame
// rather than blocking the broadcaster.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once

	mu     sync.Mutex
	roomID string
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn, send: make(chan []byte, 32)}
}

func (c *wsClient) trySend(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

func (c *wsClient) room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *wsClient) setRoom(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = id
}

// Hub tracks which sockets belong to which room and fans events out.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*wsClient]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*wsClient]struct{})}
}

func (h *Hub) Join(roomID string, c *wsClient) {
	h.Leave(c)
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[roomID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.rooms[roomID] = set
	}
	set[c] = struct{}{}
	c.setRoom(roomID)
}

func (h *Hub) Leave(c *wsClient) {
	roomID := c.room()
	if roomID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.rooms[roomID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, roomID)
		}
	}
	c.setRoom("")
}

// Broadcast sends an event to every socket in the room, the sender
// included: clients rely on their own echo for confirmation.
func (h *Hub) Broadcast(roomID, event string, body any) {
	msg := protocol.NewServerMessage(event, body)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Str("module", "relay.hub").Str("event", event).Err(err).Msg("broadcast marshal failed")
		return
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.trySend(data); err != nil {
			log.Warn().Str("module", "relay.hub").Str("room", roomID).Msg("slow client, frame dropped")
		}
	}
}
