package api

import (
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/equicourse/collab-server/internal/slogging"
)

// MessageHandler processes one inbound message type for a connection
type MessageHandler interface {
	MessageType() string
	HandleMessage(client *WebSocketClient, message map[string]interface{}) error
}

// MessageRouter dispatches inbound envelopes by type. Types without a
// registered handler are forwarded to the session group verbatim; forwarding
// is the default behavior, not an error.
type MessageRouter struct {
	hub      *WebSocketHub
	handlers map[string]MessageHandler
}

// NewMessageRouter creates a router with the collaboration protocol handlers
func NewMessageRouter(hub *WebSocketHub) *MessageRouter {
	router := &MessageRouter{
		hub:      hub,
		handlers: make(map[string]MessageHandler),
	}
	router.RegisterHandler(&JoinHandler{hub: hub})
	router.RegisterHandler(&SyncRequestHandler{hub: hub})
	return router
}

// RegisterHandler registers a message handler for a specific message type
func (r *MessageRouter) RegisterHandler(handler MessageHandler) {
	r.handlers[handler.MessageType()] = handler
}

// Route decodes and dispatches one inbound message. Processing failures are
// answered with an error envelope to the sender only; the connection is never
// closed because one message failed.
func (r *MessageRouter) Route(client *WebSocketClient, raw []byte) {
	logger := slogging.Get()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("PANIC in message handling - design: %s, user: %s, error: %v, stack: %s",
				client.Session.DesignID, client.userLabel(), rec, debug.Stack())
			client.SendEnvelope(errorEnvelope(fmt.Sprintf("error processing message: %v", rec)))
		}
	}()

	var message map[string]interface{}
	if err := json.Unmarshal(raw, &message); err != nil {
		logger.Error("Undecodable WebSocket message - design: %s, user: %s, error: %v, data: %s",
			client.Session.DesignID, client.userLabel(), err, slogging.SanitizeLogMessage(truncate(string(raw), 100)))
		client.SendEnvelope(errorEnvelope(fmt.Sprintf("invalid JSON data: %v", err)))
		return
	}

	messageType, _ := message["type"].(string)
	logger.Debug("Received message - design: %s, user: %s, type: %s",
		client.Session.DesignID, client.userLabel(), messageType)

	if handler, ok := r.handlers[messageType]; ok {
		if err := handler.HandleMessage(client, message); err != nil {
			logger.Error("Handler failed for %s message - design: %s, user: %s: %v",
				messageType, client.Session.DesignID, client.userLabel(), err)
			client.SendEnvelope(errorEnvelope(fmt.Sprintf("error processing message: %v", err)))
		}
		return
	}

	r.forward(client, message)
}

// forward relays an unrecognized message to the whole group with a server
// timestamp added, refreshing the sender's activity along the way.
func (r *MessageRouter) forward(client *WebSocketClient, message map[string]interface{}) {
	if client.User != nil {
		client.Session.Touch(client.User.ID)
	}

	message["server_timestamp"] = isoNow()
	data, err := json.Marshal(message)
	if err != nil {
		slogging.Get().Error("Failed to re-marshal forwarded message - design: %s, user: %s: %v",
			client.Session.DesignID, client.userLabel(), err)
		client.SendEnvelope(errorEnvelope(fmt.Sprintf("error processing message: %v", err)))
		return
	}
	client.Session.Broadcast(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// JoinHandler processes explicit join messages. The connect path performs the
// same join through Session.Join; both call sites share that one routine.
type JoinHandler struct {
	hub *WebSocketHub
}

func (h *JoinHandler) MessageType() string {
	return MessageTypeJoin
}

func (h *JoinHandler) HandleMessage(client *WebSocketClient, message map[string]interface{}) error {
	// A join from an anonymous connection carries no identity to record;
	// relay it like any other passthrough message.
	if client.User == nil {
		h.hub.router.forward(client, message)
		return nil
	}

	// The connection mutates only the session it is bound to. When the
	// registry no longer holds that session, this connection is stale and
	// must not resurrect it.
	session := client.Session
	if h.hub.GetSession(session.DesignID) != session {
		slogging.Get().Warn("Join message for missing session - design: %s, user: %s",
			session.DesignID, client.User.Username)
		client.SendEnvelope(errorEnvelope("session does not exist"))
		return nil
	}

	requestedColor := payloadColor(message)
	collab, isNew := session.Join(client.User.ID, client.User.Username, requestedColor, client.ViaLink)
	slogging.Get().Debug("Join processed - design: %s, user: %s, new: %v, role: %s",
		session.DesignID, client.User.Username, isNew, collab.Role)

	envelope := joinEnvelope(client.User.ID, client.User.Username, session.ID, session.Snapshot(), collab.Role)

	// Group delivery plus a direct reply, so the joining client gets a
	// prompt response even if its group delivery lags.
	client.Session.BroadcastEnvelope(envelope)
	client.SendEnvelope(envelope)
	return nil
}

// payloadColor extracts an explicit display color from a join payload
func payloadColor(message map[string]interface{}) string {
	payload, ok := message["payload"].(map[string]interface{})
	if !ok {
		return ""
	}
	color, _ := payload["color"].(string)
	return color
}

// SyncRequestHandler answers sync requests with the full session snapshot and
// notifies the group of the refreshed state.
type SyncRequestHandler struct {
	hub *WebSocketHub
}

func (h *SyncRequestHandler) MessageType() string {
	return MessageTypeSyncRequest
}

func (h *SyncRequestHandler) HandleMessage(client *WebSocketClient, message map[string]interface{}) error {
	// Same staleness rule as join: only the registry's current session for
	// this design may be served, and it must be the bound one.
	session := client.Session
	if h.hub.GetSession(session.DesignID) != session {
		slogging.Get().Warn("Sync request for missing session - design: %s, user: %s",
			session.DesignID, client.userLabel())
		client.SendEnvelope(errorEnvelope("session does not exist"))
		return nil
	}

	// A sync response always reflects a participant: an authenticated
	// requester who is not yet a collaborator joins first.
	if client.User != nil {
		_, isNew := session.Join(client.User.ID, client.User.Username, "", client.ViaLink)
		if isNew {
			slogging.Get().Debug("Sync request added collaborator - design: %s, user: %s",
				session.DesignID, client.User.Username)
		}
	}

	snapshot := session.Snapshot()
	client.SendEnvelope(serverEnvelope(MessageTypeSyncResponse, session.ID, snapshot))
	client.Session.BroadcastEnvelope(serverEnvelope(MessageTypeSessionUpdate, session.ID, snapshot))
	return nil
}
