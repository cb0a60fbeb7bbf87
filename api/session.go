package api

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/equicourse/collab-server/internal/slogging"
)

// collaboratorColors is the fixed display palette. A user's color is derived
// from their id, so the same user keeps a consistent color within one process.
// Collisions between users are acceptable.
var collaboratorColors = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA5A5", "#A5FFD6",
	"#FFC145", "#FF6B8B", "#845EC2", "#D65DB1", "#FF9671",
}

// ColorForUser deterministically picks a palette color for a user id
func ColorForUser(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return collaboratorColors[int(h.Sum32())%len(collaboratorColors)]
}

// collaborator is a participant's live presence inside a session
type collaborator struct {
	ID         string
	Username   string
	Color      string
	Role       string
	LastActive time.Time
}

func (c *collaborator) info() CollaboratorInfo {
	return CollaboratorInfo{
		ID:         c.ID,
		Username:   c.Username,
		Color:      c.Color,
		Role:       c.Role,
		LastActive: c.LastActive.UTC().Format(time.RFC3339Nano),
	}
}

// Session is one live collaborative editing room for a single design. It owns
// the collaborator set and the broadcast group of connected clients.
type Session struct {
	// Session ID, stable for the session's lifetime
	ID string
	// Design being edited
	DesignID string
	// Creation timestamp
	CreatedAt time.Time

	// Collaborator state, guarded by mu. joinOrder preserves first-join
	// order for snapshots.
	mu            sync.RWMutex
	collaborators map[string]*collaborator
	joinOrder     []string
	owner         string
	initiator     string

	// Broadcast group, guarded by clientsMu
	clientsMu sync.RWMutex
	clients   map[*WebSocketClient]bool
}

func newSession(id, designID string) *Session {
	return &Session{
		ID:            id,
		DesignID:      designID,
		CreatedAt:     time.Now().UTC(),
		collaborators: make(map[string]*collaborator),
		clients:       make(map[*WebSocketClient]bool),
	}
}

// Join adds the user to the collaborator set, or refreshes the existing entry
// on a duplicate join. It is the single join routine shared by the connect
// path, explicit join messages and sync requests.
//
// A new collaborator becomes the initiator when joining an initiator-less
// session not via a shared link; the first joiner becomes the owner. Owner
// and initiator are never reassigned once set.
func (s *Session) Join(userID, username, requestedColor string, viaLink bool) (CollaboratorInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.collaborators[userID]; ok {
		existing.LastActive = time.Now().UTC()
		if requestedColor != "" {
			existing.Color = requestedColor
		}
		return existing.info(), false
	}

	role := RoleCollaborator
	if !viaLink && s.initiator == "" {
		role = RoleInitiator
	}

	color := requestedColor
	if color == "" {
		color = ColorForUser(userID)
	}

	collab := &collaborator{
		ID:         userID,
		Username:   username,
		Color:      color,
		Role:       role,
		LastActive: time.Now().UTC(),
	}
	s.collaborators[userID] = collab
	s.joinOrder = append(s.joinOrder, userID)

	if s.owner == "" {
		s.owner = userID
	}
	if role == RoleInitiator && s.initiator == "" {
		s.initiator = userID
	}

	return collab.info(), true
}

// Leave removes the user's collaborator entry if present and returns the
// remaining collaborator count. Removing an absent user is a no-op, so the
// disconnect path can call it for connections that never joined.
func (s *Session) Leave(userID string) (remaining int, removed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collaborators[userID]; ok {
		delete(s.collaborators, userID)
		for i, id := range s.joinOrder {
			if id == userID {
				s.joinOrder = append(s.joinOrder[:i], s.joinOrder[i+1:]...)
				break
			}
		}
		removed = true
	}
	return len(s.collaborators), removed
}

// Touch updates the user's last-active timestamp. Returns false for users
// that are not collaborators.
func (s *Session) Touch(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	collab, ok := s.collaborators[userID]
	if !ok {
		return false
	}
	collab.LastActive = time.Now().UTC()
	return true
}

// CollaboratorCount returns the current number of collaborators
func (s *Session) CollaboratorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collaborators)
}

// Snapshot returns a consistent copy of the session state for embedding in
// envelopes. It is taken under the session lock, so it reflects either the
// pre- or post-state of any concurrent mutation, never a partial one.
func (s *Session) Snapshot() *SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	collaborators := make([]CollaboratorInfo, 0, len(s.joinOrder))
	for _, id := range s.joinOrder {
		collaborators = append(collaborators, s.collaborators[id].info())
	}

	snapshot := &SessionSnapshot{
		ID:            s.ID,
		DesignID:      s.DesignID,
		Collaborators: collaborators,
		CreatedAt:     s.CreatedAt.Format(time.RFC3339Nano),
	}
	if s.owner != "" {
		owner := s.owner
		snapshot.Owner = &owner
	}
	if s.initiator != "" {
		initiator := s.initiator
		snapshot.Initiator = &initiator
	}
	return snapshot
}

// Register adds a connection to the session's broadcast group
func (s *Session) Register(client *WebSocketClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[client] = true
}

// Unregister removes a connection from the broadcast group and closes its
// send channel. Safe to call for a client that was never registered.
func (s *Session) Unregister(client *WebSocketClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		client.closeSend()
	}
}

// ClientCount returns the number of connections in the broadcast group
func (s *Session) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast delivers raw message bytes to every connection in the group,
// including the sender's. Delivery is best-effort per connection: a client
// whose send buffer is full is dropped from the group rather than blocking
// or failing the broadcast.
func (s *Session) Broadcast(message []byte) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	for client := range s.clients {
		if !client.trySend(message) {
			slogging.Get().Warn("Dropping slow collaboration client - design: %s, user: %s",
				s.DesignID, client.userLabel())
			delete(s.clients, client)
			client.closeSend()
		}
	}
}

// BroadcastEnvelope marshals and broadcasts an envelope to the whole group.
// Marshal failures are logged and swallowed, never surfaced to the caller.
func (s *Session) BroadcastEnvelope(envelope Envelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		slogging.Get().Error("Failed to marshal %s envelope for session %s: %v", envelope.Type, s.ID, err)
		return
	}
	s.Broadcast(data)
}
