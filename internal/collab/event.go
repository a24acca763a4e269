package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event names. Each frame on the wire is
// {"event": <name>, "data": <object>}.
const (
	EventJoinRoom        = "room:join"
	EventLeaveRoom       = "room:leave"
	EventEditorFull      = "editor:full-update"
	EventEditorChange    = "editor:change"
	EventCursorMove      = "cursor:move"
	EventChatMessage     = "chat:message"
	EventPageAdd         = "page:add"
	EventPageRemove      = "page:remove"
	EventPageUpdate      = "page:update"
	EventPageSelect      = "page:select"
	EventPageRequestSync = "page:request-sync"
)

// Outbound-only event names.
const (
	EventPresenceUpdate = "presence:update"
	EventPageSync       = "page:sync"
	EventError          = "error"
)

// Frame is the envelope for every message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PageData carries the partial page fields a page:add / page:update may set.
// Nil fields are left untouched.
type PageData struct {
	HTML       *string         `json:"html,omitempty"`
	CSS        *string         `json:"css,omitempty"`
	Components json.RawMessage `json:"components,omitempty"`
	IsDefault  *bool           `json:"isDefault,omitempty"`
}

// PagePayload is the body of the page:* events. PageID is the editor-chosen
// stable id (client id), not the database primary key.
type PagePayload struct {
	ProjectID string    `json:"projectId"`
	PageID    string    `json:"pageId,omitempty"`
	PageName  string    `json:"pageName,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	PageData  *PageData `json:"pageData,omitempty"`
}

// SyncPage is one page in the page:sync response sent to a single client.
type SyncPage struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	HTML       string          `json:"html"`
	CSS        string          `json:"css"`
	Components json.RawMessage `json:"components,omitempty"`
	IsDefault  bool            `json:"isDefault"`
}

func marshalFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", event, err)
	}
	payload, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return payload, nil
}

func errorFrame(message string) []byte {
	payload, _ := marshalFrame(EventError, map[string]string{"message": message})
	return payload
}

// enrich wraps an ephemeral event payload with the sender's identity and a
// millisecond timestamp before re-broadcast. The original fields are kept;
// the enrichment keys win on collision.
func enrich(data json.RawMessage, userID, userName string, now time.Time) (json.RawMessage, error) {
	body := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
	}
	body["userId"] = userID
	body["userName"] = userName
	body["timestamp"] = now.UnixMilli()
	enriched, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode enriched payload: %w", err)
	}
	return enriched, nil
}
