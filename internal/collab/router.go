package collab

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"pagegrid/api/internal/presence"
)

// Router dispatches inbound frames to their handlers. It holds no state of
// its own beyond the presence tracker and the page lifecycle; every event is
// handled independently.
type Router struct {
	hub     *Hub
	tracker *presence.Tracker
	pages   *Pages
	logger  zerolog.Logger
}

func NewRouter(hub *Hub, tracker *presence.Tracker, pages *Pages, logger zerolog.Logger) *Router {
	return &Router{hub: hub, tracker: tracker, pages: pages, logger: logger}
}

// Dispatch routes one frame. Every failure path ends in a single error
// frame to the sender; nothing here can take the connection down or leak to
// other room members.
func (r *Router) Dispatch(ctx context.Context, c *Client, frame Frame) {
	switch frame.Event {
	case EventJoinRoom:
		r.handleJoin(c)
	case EventLeaveRoom:
		r.handleLeave(c)
	case EventEditorFull, EventEditorChange, EventCursorMove:
		r.relayEnriched(c, frame, true)
	case EventChatMessage:
		r.relayEnriched(c, frame, false)
	case EventPageAdd:
		r.handlePageMutation(ctx, c, frame, r.applyPageAdd)
	case EventPageRemove:
		r.handlePageMutation(ctx, c, frame, r.applyPageRemove)
	case EventPageUpdate:
		r.handlePageMutation(ctx, c, frame, r.applyPageUpdate)
	case EventPageSelect:
		r.handlePageSelect(c, frame)
	case EventPageRequestSync:
		r.handleRequestSync(ctx, c, frame)
	default:
		r.sendError(c, "unknown event: "+frame.Event)
	}
}

// HandleDisconnect runs presence cleanup when a connection goes away, then
// tells the remaining room members. Called from the readPump teardown only.
func (r *Router) HandleDisconnect(c *Client) {
	if !c.joined {
		return
	}
	c.joined = false
	r.tracker.Leave(c.session.ProjectID, c.session.UserID)
	r.broadcastPresence(c.session.ProjectID, c)
}

func (r *Router) handleJoin(c *Client) {
	// One presence registration per connection; a repeated room:join only
	// re-sends the roster.
	if !c.joined {
		r.tracker.Join(c.session.ProjectID, c.session.UserID, c.session.Name)
		c.joined = true
	}
	// Roster goes to the whole room, the joiner included.
	r.broadcastPresence(c.session.ProjectID, nil)
}

func (r *Router) handleLeave(c *Client) {
	if !c.joined {
		return
	}
	c.joined = false
	r.tracker.Leave(c.session.ProjectID, c.session.UserID)
	r.broadcastPresence(c.session.ProjectID, c)
}

// relayEnriched forwards an ephemeral event with the sender's identity and
// timestamp stamped on. Nothing is persisted; excludeSender distinguishes
// editor/cursor relays from chat, which echoes back to the sender too.
func (r *Router) relayEnriched(c *Client, frame Frame, excludeSender bool) {
	enriched, err := enrich(frame.Data, c.session.UserID, c.session.Name, time.Now())
	if err != nil {
		r.sendError(c, "malformed event payload")
		return
	}
	payload, err := marshalFrame(frame.Event, json.RawMessage(enriched))
	if err != nil {
		r.logError(c, frame.Event, err)
		r.sendError(c, "internal error")
		return
	}
	exclude := c
	if !excludeSender {
		exclude = nil
	}
	r.hub.Broadcast(c.session.ProjectID, payload, exclude)
}

type pageMutation func(ctx context.Context, c *Client, payload PagePayload) error

// handlePageMutation is the shared wrapper for the three persisted page
// events: decode, scope-check, authorize, apply, then relay the original
// payload verbatim to the rest of the room.
func (r *Router) handlePageMutation(ctx context.Context, c *Client, frame Frame, apply pageMutation) {
	payload, ok := r.decodePagePayload(c, frame)
	if !ok {
		return
	}
	if !c.session.CanWrite {
		r.sendError(c, "forbidden")
		return
	}
	if err := apply(ctx, c, payload); err != nil {
		var verr validationError
		if errors.Is(err, ErrLastPage) || errors.Is(err, ErrPageNotFound) || errors.As(err, &verr) {
			r.sendError(c, err.Error())
			return
		}
		r.logError(c, frame.Event, err)
		r.sendError(c, "internal error")
		return
	}
	raw, err := json.Marshal(Frame{Event: frame.Event, Data: frame.Data})
	if err != nil {
		r.logError(c, frame.Event, err)
		return
	}
	r.hub.Broadcast(c.session.ProjectID, raw, c)
}

func (r *Router) applyPageAdd(ctx context.Context, c *Client, payload PagePayload) error {
	if payload.PageID == "" || payload.PageName == "" {
		return validationError("page id and page name are required")
	}
	return r.pages.Add(ctx, c.session.ProjectID, payload.PageID, payload.PageName, payload.PageData)
}

func (r *Router) applyPageRemove(ctx context.Context, c *Client, payload PagePayload) error {
	if payload.PageID == "" {
		return validationError("page id is required")
	}
	return r.pages.Remove(ctx, c.session.ProjectID, payload.PageID)
}

func (r *Router) applyPageUpdate(ctx context.Context, c *Client, payload PagePayload) error {
	if payload.PageID == "" {
		return validationError("page id is required")
	}
	return r.pages.Update(ctx, c.session.ProjectID, payload.PageID, payload.PageName, payload.PageData)
}

// handlePageSelect relays the payload verbatim; selection is a client-side
// affordance with no durable state.
func (r *Router) handlePageSelect(c *Client, frame Frame) {
	if _, ok := r.decodePagePayload(c, frame); !ok {
		return
	}
	raw, err := json.Marshal(Frame{Event: frame.Event, Data: frame.Data})
	if err != nil {
		r.logError(c, frame.Event, err)
		return
	}
	r.hub.Broadcast(c.session.ProjectID, raw, c)
}

func (r *Router) handleRequestSync(ctx context.Context, c *Client, frame Frame) {
	if _, ok := r.decodePagePayload(c, frame); !ok {
		return
	}
	pages, err := r.pages.Sync(ctx, c.session.ProjectID)
	if err != nil {
		r.logError(c, frame.Event, err)
		r.sendError(c, "internal error")
		return
	}
	payload, err := marshalFrame(EventPageSync, map[string]any{"pages": pages})
	if err != nil {
		r.logError(c, frame.Event, err)
		return
	}
	r.hub.Send(c, payload)
}

// decodePagePayload parses a page:* body and pins it to the sender's
// authorized project; a payload naming another project is refused without
// touching any state.
func (r *Router) decodePagePayload(c *Client, frame Frame) (PagePayload, bool) {
	var payload PagePayload
	if len(frame.Data) == 0 {
		r.sendError(c, "missing event payload")
		return PagePayload{}, false
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		r.sendError(c, "malformed event payload")
		return PagePayload{}, false
	}
	if payload.ProjectID == "" {
		r.sendError(c, "project id is required")
		return PagePayload{}, false
	}
	if payload.ProjectID != c.session.ProjectID {
		r.sendError(c, "forbidden")
		return PagePayload{}, false
	}
	return payload, true
}

func (r *Router) broadcastPresence(projectID string, exclude *Client) {
	payload, err := marshalFrame(EventPresenceUpdate, r.tracker.Snapshot(projectID))
	if err != nil {
		r.logger.Error().Err(err).Str("project_id", projectID).Msg("encode presence update")
		return
	}
	r.hub.Broadcast(projectID, payload, exclude)
}

func (r *Router) sendError(c *Client, message string) {
	r.hub.Send(c, errorFrame(message))
}

func (r *Router) logError(c *Client, event string, err error) {
	r.logger.Error().
		Err(err).
		Str("event", event).
		Str("project_id", c.session.ProjectID).
		Str("user_id", c.session.UserID).
		Msg("collaboration event failed")
}
