package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinIsIdempotent(t *testing.T) {
	tracker := NewTracker()

	tracker.Join("proj1", "userA", "Ada")
	tracker.Join("proj1", "userA", "Ada Lovelace")

	snapshot := tracker.Snapshot("proj1")
	require.Len(t, snapshot, 1)
	assert.Equal(t, Entry{ID: "userA", Name: "Ada Lovelace"}, snapshot[0])
}

func TestEntrySurvivesUntilLastConnectionLeaves(t *testing.T) {
	tracker := NewTracker()

	// Two tabs of the same user.
	tracker.Join("proj1", "userA", "Ada")
	tracker.Join("proj1", "userA", "Ada")

	tracker.Leave("proj1", "userA")
	require.True(t, tracker.Contains("proj1", "userA"), "entry should survive while a connection remains")
	require.Len(t, tracker.Snapshot("proj1"), 1)

	tracker.Leave("proj1", "userA")
	assert.False(t, tracker.Contains("proj1", "userA"))
	assert.Empty(t, tracker.Snapshot("proj1"))

	// A late leave after the count hit zero must not underflow.
	tracker.Leave("proj1", "userA")
	assert.Empty(t, tracker.Snapshot("proj1"))
}

func TestSnapshotPreservesJoinOrder(t *testing.T) {
	tracker := NewTracker()

	tracker.Join("proj1", "userA", "Ada")
	tracker.Join("proj1", "userB", "Blaise")
	tracker.Join("proj1", "userC", "Curie")

	snapshot := tracker.Snapshot("proj1")
	require.Len(t, snapshot, 3)
	assert.Equal(t, "userA", snapshot[0].ID)
	assert.Equal(t, "userB", snapshot[1].ID)
	assert.Equal(t, "userC", snapshot[2].ID)
}

func TestLeaveRemovesEntryAndEmptyRoom(t *testing.T) {
	tracker := NewTracker()

	tracker.Join("proj1", "userA", "Ada")
	tracker.Join("proj1", "userB", "Blaise")

	tracker.Leave("proj1", "userA")
	snapshot := tracker.Snapshot("proj1")
	require.Len(t, snapshot, 1)
	assert.Equal(t, "userB", snapshot[0].ID)
	assert.False(t, tracker.Contains("proj1", "userA"))

	tracker.Leave("proj1", "userB")
	assert.Empty(t, tracker.Snapshot("proj1"))

	tracker.mu.Lock()
	_, roomKept := tracker.rooms["proj1"]
	_, connsKept := tracker.conns["proj1"]
	_, orderKept := tracker.order["proj1"]
	tracker.mu.Unlock()
	assert.False(t, roomKept, "empty roster should be discarded")
	assert.False(t, connsKept, "connection counts for empty roster should be discarded")
	assert.False(t, orderKept, "join order for empty roster should be discarded")
}

func TestLeaveUnknownUserIsNoop(t *testing.T) {
	tracker := NewTracker()
	tracker.Join("proj1", "userA", "Ada")

	tracker.Leave("proj1", "ghost")
	tracker.Leave("proj2", "userA")

	assert.Len(t, tracker.Snapshot("proj1"), 1)
}

func TestRoomsAreIndependent(t *testing.T) {
	tracker := NewTracker()

	tracker.Join("proj1", "userA", "Ada")
	tracker.Join("proj2", "userA", "Ada")
	tracker.Join("proj2", "userB", "Blaise")

	assert.Len(t, tracker.Snapshot("proj1"), 1)
	assert.Len(t, tracker.Snapshot("proj2"), 2)

	tracker.Leave("proj1", "userA")
	assert.Empty(t, tracker.Snapshot("proj1"))
	assert.Len(t, tracker.Snapshot("proj2"), 2)
}

func TestConcurrentJoinLeave(t *testing.T) {
	tracker := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", i)
			tracker.Join("proj1", userID, userID)
			_ = tracker.Snapshot("proj1")
			if i%2 == 0 {
				tracker.Leave("proj1", userID)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, tracker.Snapshot("proj1"), 16)
}
