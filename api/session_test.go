package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColorForUser(t *testing.T) {
	// Same id always maps to the same palette entry
	assert.Equal(t, ColorForUser("user-1"), ColorForUser("user-1"))
	assert.Contains(t, collaboratorColors, ColorForUser("user-1"))
	assert.Contains(t, collaboratorColors, ColorForUser("another-user"))
}

func TestSessionJoinAssignsRoles(t *testing.T) {
	session := newSession("s1", "d1")

	first, isNew := session.Join("u1", "alice", "", false)
	require.True(t, isNew)
	assert.Equal(t, RoleInitiator, first.Role)

	second, isNew := session.Join("u2", "bob", "", false)
	require.True(t, isNew)
	assert.Equal(t, RoleCollaborator, second.Role)

	snapshot := session.Snapshot()
	require.NotNil(t, snapshot.Owner)
	require.NotNil(t, snapshot.Initiator)
	assert.Equal(t, "u1", *snapshot.Owner)
	assert.Equal(t, "u1", *snapshot.Initiator)
	assert.Len(t, snapshot.Collaborators, 2)
}

func TestSessionJoinViaLinkIsNeverInitiator(t *testing.T) {
	session := newSession("s1", "d1")

	collab, isNew := session.Join("u1", "alice", "", true)
	require.True(t, isNew)
	assert.Equal(t, RoleCollaborator, collab.Role)

	snapshot := session.Snapshot()
	require.NotNil(t, snapshot.Owner)
	assert.Equal(t, "u1", *snapshot.Owner, "first joiner becomes owner even via link")
	assert.Nil(t, snapshot.Initiator, "link joins never set the initiator")

	// A later direct join still claims the initiator slot
	direct, isNew := session.Join("u2", "bob", "", false)
	require.True(t, isNew)
	assert.Equal(t, RoleInitiator, direct.Role)

	snapshot = session.Snapshot()
	assert.Equal(t, "u1", *snapshot.Owner)
	assert.Equal(t, "u2", *snapshot.Initiator)
}

func TestSessionJoinIsIdempotent(t *testing.T) {
	session := newSession("s1", "d1")

	first, isNew := session.Join("u1", "alice", "", false)
	require.True(t, isNew)

	again, isNew := session.Join("u1", "alice", "", false)
	assert.False(t, isNew)
	assert.Equal(t, first.Role, again.Role)
	assert.Equal(t, 1, session.CollaboratorCount())

	snapshot := session.Snapshot()
	assert.Equal(t, "u1", *snapshot.Owner)
	assert.Equal(t, "u1", *snapshot.Initiator)
}

func TestSessionJoinColorHandling(t *testing.T) {
	session := newSession("s1", "d1")

	derived, _ := session.Join("u1", "alice", "", false)
	assert.Equal(t, ColorForUser("u1"), derived.Color)

	// Re-join with an explicit color updates the record
	updated, isNew := session.Join("u1", "alice", "#123456", false)
	assert.False(t, isNew)
	assert.Equal(t, "#123456", updated.Color)

	// Fresh joiner with a requested color keeps it
	requested, _ := session.Join("u2", "bob", "#ABCDEF", false)
	assert.Equal(t, "#ABCDEF", requested.Color)
}

func TestSessionLeave(t *testing.T) {
	session := newSession("s1", "d1")
	session.Join("u1", "alice", "", false)
	session.Join("u2", "bob", "", true)

	remaining, removed := session.Leave("u1")
	assert.True(t, removed)
	assert.Equal(t, 1, remaining)

	// Owner and initiator survive the departure of that user
	snapshot := session.Snapshot()
	require.NotNil(t, snapshot.Owner)
	assert.Equal(t, "u1", *snapshot.Owner)
	require.NotNil(t, snapshot.Initiator)
	assert.Equal(t, "u1", *snapshot.Initiator)

	// Leaving twice, or leaving without joining, is a no-op
	remaining, removed = session.Leave("u1")
	assert.False(t, removed)
	assert.Equal(t, 1, remaining)

	remaining, removed = session.Leave("never-joined")
	assert.False(t, removed)
	assert.Equal(t, 1, remaining)

	remaining, removed = session.Leave("u2")
	assert.True(t, removed)
	assert.Equal(t, 0, remaining)
}

func TestSessionTouch(t *testing.T) {
	session := newSession("s1", "d1")
	before, _ := session.Join("u1", "alice", "", false)

	assert.True(t, session.Touch("u1"))
	assert.False(t, session.Touch("unknown"))

	after := session.Snapshot().Collaborators[0]
	assert.GreaterOrEqual(t, after.LastActive, before.LastActive)
}

func TestUnicastAfterSlowClientDrop(t *testing.T) {
	session := newSession("s1", "d1")
	client := &WebSocketClient{Session: session, Send: make(chan []byte, 1)}
	session.Register(client)

	// First broadcast fills the one-slot buffer, second drops the client
	// from the group and closes its send channel.
	session.Broadcast([]byte(`{"type":"cursor_move"}`))
	session.Broadcast([]byte(`{"type":"cursor_move"}`))
	assert.Equal(t, 0, session.ClientCount())

	// The read pump keeps running after the drop, so late direct replies
	// and a second deregistration must be harmless no-ops.
	assert.NotPanics(t, func() {
		client.SendEnvelope(errorEnvelope("late reply"))
	})
	assert.NotPanics(t, func() {
		session.Unregister(client)
	})
}

func TestSnapshotPreservesJoinOrder(t *testing.T) {
	session := newSession("s1", "d1")
	session.Join("u3", "carol", "", false)
	session.Join("u1", "alice", "", true)
	session.Join("u2", "bob", "", true)

	snapshot := session.Snapshot()
	require.Len(t, snapshot.Collaborators, 3)
	assert.Equal(t, "u3", snapshot.Collaborators[0].ID)
	assert.Equal(t, "u1", snapshot.Collaborators[1].ID)
	assert.Equal(t, "u2", snapshot.Collaborators[2].ID)
}
