// Package presence tracks which users are live in which project room. The
// roster is a process-local view rebuilt from scratch on restart; nothing
// here is ever persisted or treated as authoritative for durable state.
package presence

import "sync"

// Entry is the display metadata kept for one active user.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Tracker is the per-process roster: project id -> user id -> entry.
// Constructed once at startup and handed to the gatekeeper and router;
// safe for concurrent use from connection goroutines.
type Tracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]Entry
	// conns counts live connections per user per room. A user with two
	// tabs open holds one roster entry; it drops only when the count
	// reaches zero.
	conns map[string]map[string]int
	// order preserves first-join order per room so snapshots are stable
	// between broadcasts.
	order map[string][]string
}

func NewTracker() *Tracker {
	return &Tracker{
		rooms: make(map[string]map[string]Entry),
		conns: make(map[string]map[string]int),
		order: make(map[string][]string),
	}
}

// Join registers one connection for the user in the project's roster. A
// second connection for the same user updates the display metadata in place;
// it never duplicates the entry.
func (t *Tracker) Join(projectID, userID, displayName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[projectID]
	if !ok {
		room = make(map[string]Entry)
		t.rooms[projectID] = room
		t.conns[projectID] = make(map[string]int)
	}
	if _, seen := room[userID]; !seen {
		t.order[projectID] = append(t.order[projectID], userID)
	}
	room[userID] = Entry{ID: userID, Name: displayName}
	t.conns[projectID][userID]++
}

// Leave releases one connection for the user. The roster entry stays while
// any other connection of theirs is live; once the last user leaves, the
// room's roster is dropped entirely so idle projects hold no memory.
func (t *Tracker) Leave(projectID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[projectID]
	if !ok {
		return
	}
	if _, seen := room[userID]; !seen {
		return
	}
	t.conns[projectID][userID]--
	if t.conns[projectID][userID] > 0 {
		return
	}
	delete(t.conns[projectID], userID)
	delete(room, userID)

	ids := t.order[projectID]
	for i, id := range ids {
		if id == userID {
			t.order[projectID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}

	if len(room) == 0 {
		delete(t.rooms, projectID)
		delete(t.conns, projectID)
		delete(t.order, projectID)
	}
}

// Snapshot returns the roster in join order. The returned slice is a copy.
func (t *Tracker) Snapshot(projectID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[projectID]
	if !ok {
		return []Entry{}
	}
	entries := make([]Entry, 0, len(room))
	for _, id := range t.order[projectID] {
		entries = append(entries, room[id])
	}
	return entries
}

// Contains reports whether the user currently appears in the project roster.
func (t *Tracker) Contains(projectID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.rooms[projectID][userID]
	return ok
}
