package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nvoss/dmpilot/internal/event"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Desktop shell connects from a file:// origin
	},
}

// WSClient is one connected UI listener, joined to exactly one room
type WSClient struct {
	ID   string
	Room string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *Hub
}

// Hub fans bus events out to UI listeners by room. Rooms mirror bus topics:
// "sidebar" for the chat list, "chat_<id>" for per-conversation deltas and
// logs. Delivery is best-effort; a reconnecting client re-fetches full state
// over REST instead of expecting queued events.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*WSClient
	bus     *event.Bus
	subID   string
	onJoin  func(client *WSClient)
}

// NewHub creates a hub subscribed to every bus topic
func NewHub(bus *event.Bus) *Hub {
	h := &Hub{
		clients: make(map[string]*WSClient),
		bus:     bus,
	}
	h.subID = bus.Subscribe([]string{"*"}, h.forward)
	return h
}

// SetOnJoin registers a callback fired when a listener connects, used to
// push the current full state to just that listener.
func (h *Hub) SetOnJoin(fn func(client *WSClient)) {
	h.onJoin = fn
}

// RoomActive reports whether any listener is currently in the room
func (h *Hub) RoomActive(room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.Room == room {
			return true
		}
	}
	return false
}

// forward routes one bus event into its websocket room
func (h *Hub) forward(evt *event.Event) {
	room := evt.Topic
	if id, ok := strings.CutPrefix(evt.Topic, "chat."); ok {
		room = "chat_" + id
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.Room != room {
			continue
		}
		select {
		case client.Send <- data:
		default:
			// Slow consumer; it will resync over REST.
		}
	}
}

// SendTo delivers a payload to a single client
func (h *Hub) SendTo(client *WSClient, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// HandleWS upgrades /ws/{room}/{id} connections. room is "sidebar" or
// "chat"; for chat rooms the id selects the conversation.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/ws/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		http.Error(w, "Room required", http.StatusBadRequest)
		return
	}

	room := parts[0]
	if room == "chat" {
		if len(parts) < 2 || parts[1] == "" {
			http.Error(w, "Chat ID required", http.StatusBadRequest)
			return
		}
		room = "chat_" + parts[1]
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebSocket] Upgrade error: %v", err)
		return
	}

	client := &WSClient{
		ID:   uuid.New().String(),
		Room: room,
		Conn: conn,
		Send: make(chan []byte, 256),
		Hub:  h,
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	log.Printf("[WebSocket] Client connected: %s (room: %s)", client.ID, room)

	go client.writePump()
	go client.readPump()

	if h.onJoin != nil {
		h.onJoin(client)
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.Hub.mu.Lock()
		delete(c.Hub.clients, c.ID)
		c.Hub.mu.Unlock()
		c.Conn.Close()
		log.Printf("[WebSocket] Client disconnected: %s", c.ID)
	}()

	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Listeners are read-only; all actions go through REST. The read loop
	// exists to notice disconnects and answer pings.
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WebSocket] Read error: %v", err)
			}
			break
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
