package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Clients key on the exact field names, so the envelope shape is contract.
func TestJoinEnvelopeWireShape(t *testing.T) {
	session := newSession("s1", "d1")
	collab, _ := session.Join("u1", "alice", "", false)

	envelope := joinEnvelope("u1", "alice", "s1", session.Snapshot(), collab.Role)
	data, err := json.Marshal(envelope)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "join", decoded["type"])
	assert.Equal(t, "u1", decoded["senderId"])
	assert.Equal(t, "alice", decoded["senderName"])
	assert.Equal(t, "s1", decoded["sessionId"])
	assert.NotEmpty(t, decoded["timestamp"])

	payload := decoded["payload"].(map[string]interface{})
	assert.Equal(t, "initiator", payload["user_role"])

	snapshot := payload["session"].(map[string]interface{})
	assert.Equal(t, "s1", snapshot["id"])
	assert.Equal(t, "d1", snapshot["design_id"])
	assert.Equal(t, "u1", snapshot["owner"])
	assert.Equal(t, "u1", snapshot["initiator"])
	assert.NotEmpty(t, snapshot["created_at"])

	collaborators := snapshot["collaborators"].([]interface{})
	require.Len(t, collaborators, 1)
	entry := collaborators[0].(map[string]interface{})
	assert.Equal(t, "u1", entry["id"])
	assert.Equal(t, "alice", entry["username"])
	assert.Equal(t, "initiator", entry["role"])
	assert.NotEmpty(t, entry["color"])
	assert.NotEmpty(t, entry["last_active"])
}

func TestSnapshotNullsUnsetRoles(t *testing.T) {
	session := newSession("s1", "d1")

	data, err := json.Marshal(session.Snapshot())
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Nil(t, decoded["owner"])
	assert.Nil(t, decoded["initiator"])
	assert.Equal(t, []interface{}{}, decoded["collaborators"])
}

func TestErrorEnvelopeShape(t *testing.T) {
	data, err := json.Marshal(errorEnvelope("session does not exist"))
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "error", decoded["type"])
	assert.Equal(t, "session does not exist", decoded["message"])
	assert.NotContains(t, decoded, "payload")
	assert.NotContains(t, decoded, "senderId")
}
