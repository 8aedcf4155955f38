package relay

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/veilchat/relay-server-go/internal/config"
)

// Event is both the inbound and outbound frame: {"type": ..., "data": ...}.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: raw}, nil
}

// Client is one live transport connection. The transport drains Events and
// stops when Done is closed.
type Client struct {
	ID     string
	UserID string
	Events chan Event
	Done   chan struct{}

	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.Done) })
}

// Hub tracks connected clients and their room subscriptions. Fan-out never
// blocks: a client whose buffer is full misses the event.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	rooms       map[string]map[*Client]struct{}
	memberships map[*Client]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		rooms:       make(map[string]map[*Client]struct{}),
		memberships: make(map[*Client]map[string]struct{}),
	}
}

func (h *Hub) Register(connID, userID string) *Client {
	client := &Client{
		ID:     connID,
		UserID: userID,
		Events: make(chan Event, config.ClientEventBuffer),
		Done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[connID] = client
	h.memberships[client] = make(map[string]struct{})
	total := len(h.clients)
	h.mu.Unlock()

	log.Info().
		Str("connectionId", connID).
		Str("userId", userID).
		Int("clientCount", total).
		Msg("relay client registered")

	return client
}

// Unregister drops the client from every room and closes Done.
// It returns the rooms the client was in.
func (h *Hub) Unregister(client *Client) []string {
	h.mu.Lock()
	rooms, ok := h.memberships[client]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	left := make([]string, 0, len(rooms))
	for room := range rooms {
		h.removeFromRoomLocked(client, room)
		left = append(left, room)
	}
	delete(h.memberships, client)
	if h.clients[client.ID] == client {
		delete(h.clients, client.ID)
	}
	total := len(h.clients)
	h.mu.Unlock()

	client.close()

	log.Info().
		Str("connectionId", client.ID).
		Str("userId", client.UserID).
		Int("clientCount", total).
		Msg("relay client unregistered")

	return left
}

func (h *Hub) Client(connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return c, ok
}

// Join is idempotent.
func (h *Hub) Join(client *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.memberships[client]
	if !ok {
		return false
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	rooms[room] = struct{}{}
	return true
}

func (h *Hub) Leave(client *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.memberships[client][room]; !ok {
		return false
	}
	h.removeFromRoomLocked(client, room)
	delete(h.memberships[client], room)
	return true
}

func (h *Hub) removeFromRoomLocked(client *Client, room string) {
	members := h.rooms[room]
	delete(members, client)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) InRoom(client *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.memberships[client][room]
	return ok
}

// Send queues an event for one client without blocking.
func (h *Hub) Send(client *Client, event Event) bool {
	select {
	case <-client.Done:
		return false
	default:
	}
	select {
	case client.Events <- event:
		return true
	default:
		log.Warn().
			Str("connectionId", client.ID).
			Str("eventType", event.Type).
			Msg("client event buffer full, dropping event")
		return false
	}
}

// BroadcastRoom delivers event to every member of room except the given
// client (nil excludes nobody) and returns how many were queued.
func (h *Hub) BroadcastRoom(room string, event Event, except *Client) int {
	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != except {
			recipients = append(recipients, c)
		}
	}
	h.mu.RUnlock()

	return h.fanOut(recipients, event)
}

// PublishPresence sends a presence event to every connected client that does
// not belong to excludeUserID.
func (h *Hub) PublishPresence(eventType string, data any, excludeUserID string) {
	event, err := NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("failed to encode presence event")
		return
	}

	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.UserID != excludeUserID {
			recipients = append(recipients, c)
		}
	}
	h.mu.RUnlock()

	delivered := h.fanOut(recipients, event)
	log.Debug().
		Str("eventType", eventType).
		Str("userId", excludeUserID).
		Int("delivered", delivered).
		Msg("presence published")
}

func (h *Hub) fanOut(recipients []*Client, event Event) int {
	delivered := 0
	for _, c := range recipients {
		if h.Send(c, event) {
			delivered++
		}
	}
	return delivered
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]map[*Client]struct{})
	h.memberships = make(map[*Client]map[string]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
