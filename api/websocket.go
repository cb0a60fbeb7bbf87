package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/equicourse/collab-server/auth"
	"github.com/equicourse/collab-server/internal/config"
	"github.com/equicourse/collab-server/internal/slogging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Close codes sent after an error envelope during admission.
const (
	// CloseMembershipRequired is sent when a non-premium user tries to
	// originate a session.
	CloseMembershipRequired = 4003
	// CloseAdmissionFault is sent when the connect sequence itself fails.
	CloseAdmissionFault = 4000
)

// PremiumChecker answers the one membership question the connection gate
// asks. Implemented by auth.MembershipService.
type PremiumChecker interface {
	IsPremium(ctx context.Context, userID string) (bool, error)
}

// WebSocketHub is the process-wide registry of live collaboration sessions,
// keyed by design id.
type WebSocketHub struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	membership PremiumChecker
	cfg        config.WebSocketConfig
	router     *MessageRouter
}

// NewWebSocketHub creates a hub with the default message router
func NewWebSocketHub(membership PremiumChecker, cfg config.WebSocketConfig) *WebSocketHub {
	hub := &WebSocketHub{
		sessions:   make(map[string]*Session),
		membership: membership,
		cfg:        cfg,
	}
	hub.router = NewMessageRouter(hub)
	return hub
}

// GetOrCreateSession returns the live session for a design, constructing and
// registering a new one when none exists. At most one live session per design
// id exists at any time.
func (h *WebSocketHub) GetOrCreateSession(designID string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	if session, ok := h.sessions[designID]; ok {
		return session
	}

	session := newSession(uuid.New().String(), designID)
	h.sessions[designID] = session
	slogging.Get().Info("Created collaboration session %s for design %s", session.ID, designID)
	return session
}

// GetSession returns the live session for a design without creating one
func (h *WebSocketHub) GetSession(designID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[designID]
}

// RemoveSession deletes the registry entry for a design. Called when a leave
// empties the collaborator set.
func (h *WebSocketHub) RemoveSession(designID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if session, ok := h.sessions[designID]; ok {
		delete(h.sessions, designID)
		slogging.Get().Info("Removed collaboration session %s for design %s", session.ID, designID)
	}
}

// RemoveSessionIfEmpty evicts a session from the registry once it has neither
// collaborators nor registered connections. Both counts are re-checked under
// the registry lock, and the entry is only deleted when it still holds this
// exact session, so a concurrent admission or an already-replaced session is
// left alone.
func (h *WebSocketHub) RemoveSessionIfEmpty(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.sessions[session.DesignID]
	if !ok || current != session {
		return
	}
	if session.CollaboratorCount() > 0 || session.ClientCount() > 0 {
		return
	}
	delete(h.sessions, session.DesignID)
	slogging.Get().Info("Removed empty collaboration session %s for design %s", session.ID, session.DesignID)
}

// admit binds a connection to the live session for a design, creating the
// session when none exists. Registration happens under the registry lock so an
// eviction racing the admission either sees the new connection or has already
// removed the session this admission then replaces.
func (h *WebSocketHub) admit(designID string, client *WebSocketClient) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	session, ok := h.sessions[designID]
	if !ok {
		session = newSession(uuid.New().String(), designID)
		h.sessions[designID] = session
		slogging.Get().Info("Created collaboration session %s for design %s", session.ID, designID)
	}
	client.Session = session
	session.Register(client)
	return session
}

// SessionCount returns the number of live sessions
func (h *WebSocketHub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ConnectionCount returns the number of connections across all sessions
func (h *WebSocketHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, session := range h.sessions {
		total += session.ClientCount()
	}
	return total
}

// WebSocketClient is a single live connection bound to one session's group
// and to at most one authenticated user.
type WebSocketClient struct {
	Hub     *WebSocketHub
	Session *Session
	Conn    *websocket.Conn
	// Authenticated identity, nil for anonymous link-viewers
	User    *auth.User
	ViaLink bool
	// Buffered channel of outbound messages, closed on deregistration
	Send chan []byte

	// Guards Send against send-after-close: the read pump and handlers keep
	// running after a slow client is dropped from the group, so late unicasts
	// must see the closed flag instead of the closed channel.
	sendMu     sync.Mutex
	sendClosed bool

	teardownOnce sync.Once
}

func (c *WebSocketClient) userLabel() string {
	if c.User == nil {
		return "anonymous"
	}
	return c.User.Username
}

// trySend queues outbound bytes unless the client has been deregistered.
// Returns false when the message was not queued, either because the buffer is
// full or because the send channel is already closed.
func (c *WebSocketClient) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once. Later sends through trySend
// become no-ops instead of panics.
func (c *WebSocketClient) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.Send)
	}
}

// SendEnvelope queues an envelope for direct delivery to this connection
// only. Best-effort: a full buffer or a deregistered client drops the message
// with a log line.
func (c *WebSocketClient) SendEnvelope(envelope Envelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		slogging.Get().Error("Failed to marshal %s envelope for direct send: %v", envelope.Type, err)
		return
	}
	if !c.trySend(data) {
		slogging.Get().Warn("Dropping %s envelope for unreachable client - design: %s, user: %s",
			envelope.Type, c.Session.DesignID, c.userLabel())
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are handled by the front proxy
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWS admits a collaboration connection: authorization gate, session
// lookup/creation, group registration and the initial join.
func (h *WebSocketHub) HandleWS(c *gin.Context) {
	logger := slogging.Get()

	designID := c.Param("design_id")
	viaLink := c.Query("via_link") == "true"
	user := auth.UserFromContext(c)

	logger.Info("WebSocket connection request - design: %s, client: %s, user: %s, via_link: %v",
		designID, c.ClientIP(), userLabelFor(user), viaLink)

	var conn *websocket.Conn

	// Any failure during admission still yields an error envelope to the
	// client before the socket closes with the admission-fault code.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("PANIC during WebSocket admission - design: %s, user: %s, error: %v, stack: %s",
				designID, userLabelFor(user), r, debug.Stack())
			if conn == nil {
				upgraded, err := upgrader.Upgrade(c.Writer, c.Request, nil)
				if err != nil {
					logger.Error("Failed to upgrade connection for admission error delivery: %v", err)
					return
				}
				conn = upgraded
			}
			h.rejectConn(conn, "internal error during connection setup", CloseAdmissionFault, h.admissionCloseWait())
		}
	}()

	// Connection gate: originating a session (not via a shared link)
	// requires the premium tier. The check runs before any session state
	// is touched and holds no session lock.
	if !viaLink && user != nil {
		premium, err := h.membership.IsPremium(c.Request.Context(), user.ID)
		if err != nil {
			logger.Error("Membership check failed for user %s: %v", user.Username, err)
			upgraded, upgradeErr := upgrader.Upgrade(c.Writer, c.Request, nil)
			if upgradeErr != nil {
				logger.Error("Failed to upgrade connection after membership fault: %v", upgradeErr)
				return
			}
			conn = upgraded
			h.rejectConn(conn, "internal error during connection setup", CloseAdmissionFault, h.admissionCloseWait())
			return
		}
		if !premium {
			logger.Warn("User %s is not a premium member, refusing to originate a session", user.Username)
			upgraded, upgradeErr := upgrader.Upgrade(c.Writer, c.Request, nil)
			if upgradeErr != nil {
				logger.Error("Failed to upgrade connection for membership denial: %v", upgradeErr)
				return
			}
			conn = upgraded
			h.rejectConn(conn, "only premium members can start a collaboration session", CloseMembershipRequired, 0)
			return
		}
	}

	upgraded, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("Failed to upgrade connection: %v", err)
		return
	}
	conn = upgraded

	client := &WebSocketClient{
		Hub:     h,
		Conn:    conn,
		User:    user,
		ViaLink: viaLink,
		Send:    make(chan []byte, h.sendBufferSize()),
	}
	session := h.admit(designID, client)

	// Delivered first, before any join broadcast, since the write pump
	// drains Send in order.
	client.SendEnvelope(connectionEstablishedEnvelope(designID, session.Snapshot()))

	// Anonymous link-viewers observe only; no collaborator record is
	// created for them.
	if user != nil {
		collab, isNew := session.Join(user.ID, user.Username, "", viaLink)
		if isNew {
			session.BroadcastEnvelope(joinEnvelope(user.ID, user.Username, session.ID, session.Snapshot(), collab.Role))
		}
	}

	go client.WritePump()
	go client.ReadPump()
}

func userLabelFor(user *auth.User) string {
	if user == nil {
		return "anonymous"
	}
	return user.Username
}

// rejectConn sends an error envelope, optionally waits so the client can read
// it, then closes with the given code. The socket is already upgraded.
func (h *WebSocketHub) rejectConn(conn *websocket.Conn, message string, code int, wait time.Duration) {
	logger := slogging.Get()

	data, err := json.Marshal(errorEnvelope(message))
	if err == nil {
		if writeErr := conn.WriteMessage(websocket.TextMessage, data); writeErr != nil {
			logger.Error("Failed to deliver admission error: %v", writeErr)
		}
	}

	if wait > 0 {
		time.Sleep(wait)
	}

	closeMsg := websocket.FormatCloseMessage(code, message)
	if err := conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)); err != nil {
		logger.Debug("Failed to write close frame: %v", err)
	}
	if err := conn.Close(); err != nil {
		logger.Debug("Failed to close rejected connection: %v", err)
	}
}

func (h *WebSocketHub) sendBufferSize() int {
	if h.cfg.SendBufferSize > 0 {
		return h.cfg.SendBufferSize
	}
	return 256
}

func (h *WebSocketHub) admissionCloseWait() time.Duration {
	if h.cfg.AdmissionCloseWait > 0 {
		return h.cfg.AdmissionCloseWait
	}
	return time.Second
}

func (h *WebSocketHub) readLimit() int64 {
	if h.cfg.ReadLimitBytes > 0 {
		return h.cfg.ReadLimitBytes
	}
	return 65536
}

func (h *WebSocketHub) pongTimeout() time.Duration {
	if h.cfg.PongTimeout > 0 {
		return h.cfg.PongTimeout
	}
	return 60 * time.Second
}

func (h *WebSocketHub) pingInterval() time.Duration {
	if h.cfg.PingInterval > 0 {
		return h.cfg.PingInterval
	}
	return 30 * time.Second
}

func (h *WebSocketHub) writeTimeout() time.Duration {
	if h.cfg.WriteTimeout > 0 {
		return h.cfg.WriteTimeout
	}
	return 10 * time.Second
}

// ReadPump pumps inbound messages from the socket into the message router.
// It owns the disconnect path: when the read loop ends for any reason, the
// teardown sequence runs exactly once.
func (c *WebSocketClient) ReadPump() {
	defer func() {
		c.teardown()
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Hub.readLimit())
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.Hub.pongTimeout()))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(c.Hub.pongTimeout()))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slogging.Get().Warn("WebSocket read error - design: %s, user: %s: %v",
					c.Session.DesignID, c.userLabel(), err)
			}
			break
		}
		c.Hub.router.Route(c, message)
	}
}

// teardown runs the disconnect sequence exactly once: collaborator removal,
// leave broadcast, then the unconditional group deregistration followed by
// registry eviction when the bound session ended up empty.
func (c *WebSocketClient) teardown() {
	c.teardownOnce.Do(func() {
		logger := slogging.Get()
		logger.Info("WebSocket disconnecting - design: %s, user: %s", c.Session.DesignID, c.userLabel())

		// Deregistration and the emptiness check run on every disconnect
		// path, even when the steps above fail. The eviction targets the
		// session this connection was bound to: a successor session for the
		// same design is a different object and stays untouched.
		defer func() {
			c.Session.Unregister(c)
			c.Hub.RemoveSessionIfEmpty(c.Session)
		}()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("PANIC during disconnect - design: %s, user: %s, error: %v, stack: %s",
					c.Session.DesignID, c.userLabel(), r, debug.Stack())
			}
		}()

		// Connections that never became collaborators (anonymous viewers)
		// leave silently.
		if c.User == nil {
			return
		}

		c.Session.Leave(c.User.ID)
		c.Session.BroadcastEnvelope(leaveEnvelope(c.User.ID, c.User.Username, c.Session.ID, c.Session.Snapshot()))
	})
}

// WritePump drains the send channel onto the socket and keeps the connection
// alive with periodic pings.
func (c *WebSocketClient) WritePump() {
	ticker := time.NewTicker(c.Hub.pingInterval())
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.writeTimeout()))
			if !ok {
				// Deregistered from the group
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slogging.Get().Debug("WebSocket write failed - design: %s, user: %s: %v",
					c.Session.DesignID, c.userLabel(), err)
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.writeTimeout()))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
