// Package realtime is the websocket surface of the API: a hub of
// story-scoped rooms, a per-user session registry, and the lock/unlock
// event handlers that fan lock-state changes out to everyone viewing a
// story.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// ChapterLocks is the slice of the lock manager the gateway drives.
type ChapterLocks interface {
	Acquire(ctx context.Context, chapterID, userID, sessionID string) (store.Chapter, error)
	ReleaseBySession(ctx context.Context, chapterID, sessionID string) (store.Chapter, bool, error)
	ReleaseAllHeldBy(ctx context.Context, userID string) ([]store.Chapter, error)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	// sendBuffer bounds the per-client outbound queue; a client that cannot
	// drain it is dropped rather than allowed to stall the hub loop.
	sendBuffer = 64
)

// Envelope is the wire frame for both directions: {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is one live websocket connection. Its id doubles as the lock
// session id; the user may hold locks whose session id belongs to an older
// connection of theirs.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	id       string
	userID   string
	userName string
	// storyID is the joined room. Only the hub loop touches it.
	storyID string
	send    chan []byte
}

// Hub owns all connections and rooms. A single goroutine (Run) processes
// registrations, disconnects, and inbound events one at a time, each to
// completion including its persistence writes and broadcast. That serial
// loop is what gives in-order event delivery within a story room.
type Hub struct {
	locks      ChapterLocks
	registry   Registry
	secret     []byte
	corsOrigin string

	clients map[string]*Client            // connection id -> client
	rooms   map[string]map[string]*Client // story id -> connection id -> client

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEvent
}

type inboundEvent struct {
	client   *Client
	envelope Envelope
}

func NewHub(locks ChapterLocks, registry Registry, secret []byte, corsOrigin string) *Hub {
	return &Hub{
		locks:      locks,
		registry:   registry,
		secret:     secret,
		corsOrigin: corsOrigin,
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		inbound:    make(chan inboundEvent, 256),
	}
}

// Run processes hub events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.handleRegister(ctx, client)
		case client := <-h.unregister:
			h.handleUnregister(ctx, client)
		case event := <-h.inbound:
			h.handleEvent(ctx, event.client, event.envelope)
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

// ServeWS upgrades an HTTP request to a websocket connection. Authentication
// comes from the signed token cookie set at login.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := auth.ParseToken(h.secret, token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if h.corsOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == h.corsOrigin
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		id:       util.NewID("conn"),
		userID:   claims.Sub,
		userName: claims.Name,
		send:     make(chan []byte, sendBuffer),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) handleRegister(ctx context.Context, client *Client) {
	previous, err := h.registry.Register(ctx, client.userID, client.id)
	if err != nil {
		log.Printf("session register failed for user %s: %v", client.userID, err)
	}
	// One live connection per user: kick the old one. Its deregistration
	// will find the registry already pointing at the new connection and
	// leave both the mapping and the user's locks alone.
	if previous != "" && previous != client.id {
		if old, ok := h.clients[previous]; ok {
			log.Printf("kicking stale connection %s for user %s", previous, client.userID)
			old.kick()
		}
	}
	h.clients[client.id] = client
}

func (h *Hub) handleUnregister(ctx context.Context, client *Client) {
	if _, ok := h.clients[client.id]; !ok {
		return
	}
	delete(h.clients, client.id)
	h.leaveRoom(client)
	close(client.send)

	removed, err := h.registry.Deregister(ctx, client.userID, client.id)
	if err != nil {
		log.Printf("session deregister failed for user %s: %v", client.userID, err)
	}
	if !removed {
		// A newer connection of the same user has taken over; its locks
		// (renewed under the new session id) must survive.
		return
	}

	// The user really left: sweep every lock they hold, whatever session or
	// tab acquired it, and tell each affected story room.
	released, err := h.locks.ReleaseAllHeldBy(ctx, client.userID)
	if err != nil {
		log.Printf("disconnect lock sweep failed for user %s: %v", client.userID, err)
		return
	}
	for _, chapter := range released {
		h.broadcastToStory(chapter.StoryID, eventLockUpdated, lockUpdatedPayload{
			ChapterID: chapter.ID,
			Chapter:   clearedChapterPayload(chapter.ID),
		})
	}
}

func (h *Hub) joinRoom(client *Client, storyID string) {
	if client.storyID == storyID {
		return
	}
	h.leaveRoom(client)
	client.storyID = storyID
	if h.rooms[storyID] == nil {
		h.rooms[storyID] = make(map[string]*Client)
	}
	h.rooms[storyID][client.id] = client
}

func (h *Hub) leaveRoom(client *Client) {
	if client.storyID == "" {
		return
	}
	if room, ok := h.rooms[client.storyID]; ok {
		delete(room, client.id)
		if len(room) == 0 {
			delete(h.rooms, client.storyID)
		}
	}
	client.storyID = ""
}

// broadcastToStory delivers one event to every connection in a story room.
// Fire-and-forget: no buffering for clients that join later.
func (h *Hub) broadcastToStory(storyID, event string, payload any) {
	room, ok := h.rooms[storyID]
	if !ok {
		return
	}
	message, err := marshalEnvelope(event, payload)
	if err != nil {
		log.Printf("marshal %s broadcast: %v", event, err)
		return
	}
	for _, client := range room {
		client.enqueue(message)
	}
}

func (h *Hub) sendToClient(client *Client, event string, payload any) {
	message, err := marshalEnvelope(event, payload)
	if err != nil {
		log.Printf("marshal %s: %v", event, err)
		return
	}
	client.enqueue(message)
}

func (h *Hub) shutdown() {
	for _, client := range h.clients {
		client.kick()
	}
}

func marshalEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// ---------------------------------------------------------------------------
// Client pumps

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error (user %s): %v", c.userID, err)
			}
			return
		}
		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			log.Printf("malformed frame from user %s: %v", c.userID, err)
			continue
		}
		c.hub.inbound <- inboundEvent{client: c, envelope: envelope}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues a message without blocking the hub loop. A full queue means
// the client stopped draining; drop the frame and let the ping machinery
// reap the connection.
func (c *Client) enqueue(message []byte) {
	select {
	case c.send <- message:
	default:
		log.Printf("dropping frame for slow client %s (user %s)", c.id, c.userID)
	}
}

// kick force-closes the underlying connection. The read pump notices and
// funnels the client through the normal unregister path.
func (c *Client) kick() {
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session replaced"),
		time.Now().Add(writeWait),
	)
	_ = c.conn.Close()
}
