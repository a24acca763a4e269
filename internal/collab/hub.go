package collab

import (
	"sync"

	"github.com/rs/zerolog"
)

// Hub owns the mapping from project id to the set of live connections in
// that project's room. It is the broadcast fan-out point; the presence
// tracker separately holds the user-facing roster.
type Hub struct {
	logger zerolog.Logger

	mu    sync.Mutex
	rooms map[string]map[*Client]struct{}
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[c.session.ProjectID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[c.session.ProjectID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(c)
}

// Broadcast queues payload on every connection in the project's room.
// exclude may be nil to reach everyone. Clients whose send buffer is full
// are dropped; a consumer that slow would only stall the room.
func (h *Hub) Broadcast(projectID string, payload []byte, exclude *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.rooms[projectID] {
		if c == exclude {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.logger.Warn().
				Str("project_id", projectID).
				Str("user_id", c.session.UserID).
				Msg("dropping slow collaboration client")
			h.remove(c)
		}
	}
}

// Send queues payload on a single connection. All single-client sends go
// through the hub so the membership check and the channel write happen under
// one lock; a departed client's closed channel is never written to.
func (h *Hub) Send(c *Client, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[c.session.ProjectID]
	if !ok {
		return
	}
	if _, member := room[c]; !member {
		return
	}
	select {
	case c.send <- payload:
	default:
		h.logger.Warn().
			Str("project_id", c.session.ProjectID).
			Str("user_id", c.session.UserID).
			Msg("dropping slow collaboration client")
		h.remove(c)
	}
}

// RoomSize reports the number of live connections for the project.
func (h *Hub) RoomSize(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[projectID])
}

// remove must be called with h.mu held. Closing the send channel makes the
// writePump exit, which closes the socket and unwinds the readPump too.
func (h *Hub) remove(c *Client) {
	room, ok := h.rooms[c.session.ProjectID]
	if !ok {
		return
	}
	if _, member := room[c]; !member {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(h.rooms, c.session.ProjectID)
	}
}
