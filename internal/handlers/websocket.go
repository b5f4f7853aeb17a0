package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/openmeet/conference-signaling/internal/models"
	"github.com/openmeet/conference-signaling/internal/redis"
	"github.com/openmeet/conference-signaling/internal/signaling"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. SDP bodies run a few KB; 64 KB leaves
	// headroom.
	maxMessageSize = 64 * 1024

	presenceTTL = 24 * time.Hour
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client wraps a single WebSocket connection.
type Client struct {
	ID     string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte
}

// Hub owns all live connections and their room broadcast groups, and
// feeds inbound events into the signaling router. It implements
// signaling.Sender.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Client            // connID -> client
	groups map[string]map[string]*Client // roomID -> connID -> client

	router *signaling.Router
}

func NewHub() *Hub {
	return &Hub{
		conns:  make(map[string]*Client),
		groups: make(map[string]map[string]*Client),
	}
}

// SetRouter wires the router in after construction; the router and hub
// reference each other.
func (h *Hub) SetRouter(r *signaling.Router) {
	h.router = r
}

// HandleSignaling upgrades the HTTP request to a WebSocket connection and
// runs the signaling session for it.
func (h *Hub) HandleSignaling(c *gin.Context) {
	roomIdentifier := c.Param("roomId")
	if roomIdentifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	// Validate the room exists and has space before upgrading.
	roomID, room, err := ValidateRoom(roomIdentifier)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		RoomID: roomID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
	}
	h.addClient(client)

	// Mirror presence in Redis for the rooms API.
	redisClient := redis.GetClient()
	ctx := redis.GetContext()
	redisClient.SAdd(ctx, "room:"+roomID+":peers", client.ID)
	redisClient.Expire(ctx, "room:"+roomID+":peers", presenceTTL)

	log.Printf("Connection %s opened for room %s (code: %s)", client.ID, roomID, room.Code)

	go client.writePump()
	go h.readPump(client)
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
}

// removeClient drops the connection from the conns map and every group it
// subscribed to. The send channel stays open; writePump exits once the
// underlying connection is closed.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, c.ID)
	for roomID, group := range h.groups {
		if _, ok := group[c.ID]; !ok {
			continue
		}
		delete(group, c.ID)
		if len(group) == 0 {
			delete(h.groups, roomID)
		}
	}
}

// JoinGroup implements signaling.Sender.
func (h *Hub) JoinGroup(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.conns[connID]
	if !ok {
		return
	}
	group, ok := h.groups[roomID]
	if !ok {
		group = make(map[string]*Client)
		h.groups[roomID] = group
	}
	group[connID] = client
}

// LeaveGroup implements signaling.Sender.
func (h *Hub) LeaveGroup(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.groups[roomID]
	if !ok {
		return
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(h.groups, roomID)
	}
}

// SendTo implements signaling.Sender.
func (h *Hub) SendTo(connID, event string, data any) {
	frame, ok := encodeFrame(event, data)
	if !ok {
		return
	}

	h.mu.RLock()
	client, exists := h.conns[connID]
	h.mu.RUnlock()
	if !exists {
		log.Printf("Connection %s gone, dropping %s", connID, event)
		return
	}
	client.deliver(frame, event)
}

// Broadcast implements signaling.Sender.
func (h *Hub) Broadcast(roomID, event string, data any, excludeConnID string) {
	frame, ok := encodeFrame(event, data)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID, client := range h.groups[roomID] {
		if connID == excludeConnID {
			continue
		}
		client.deliver(frame, event)
	}
}

func encodeFrame(event string, data any) ([]byte, bool) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal %s payload: %v", event, err)
		return nil, false
	}
	frame, err := json.Marshal(models.Envelope{Event: event, Data: payload})
	if err != nil {
		log.Printf("Failed to marshal %s frame: %v", event, err)
		return nil, false
	}
	return frame, true
}

func (c *Client) deliver(frame []byte, event string) {
	select {
	case c.Send <- frame:
	default:
		log.Printf("Send buffer full for connection %s, dropping %s", c.ID, event)
	}
}

// readPump reads envelopes off the connection and dispatches them. On
// exit it runs the disconnect cleanup before releasing the connection.
func (h *Hub) readPump(c *Client) {
	defer func() {
		h.removeClient(c)
		c.Conn.Close()
		h.router.HandleDisconnect(c.ID)

		redisClient := redis.GetClient()
		ctx := redis.GetContext()
		redisClient.SRem(ctx, "room:"+c.RoomID+":peers", c.ID)

		log.Printf("Connection %s closed", c.ID)
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on connection %s: %v", c.ID, err)
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("Failed to parse frame from connection %s: %v", c.ID, err)
			continue
		}
		h.router.Dispatch(c.ID, env.Event, env.Data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write to connection %s: %v", c.ID, err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
