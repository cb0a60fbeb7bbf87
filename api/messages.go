package api

import "time"

// Message types recognized by the collaboration protocol. Client-originated
// types outside this set are forwarded to the group verbatim.
const (
	MessageTypeJoin                  = "join"
	MessageTypeLeave                 = "leave"
	MessageTypeSyncRequest           = "sync_request"
	MessageTypeSyncResponse          = "sync_response"
	MessageTypeSessionUpdate         = "session_update"
	MessageTypeConnectionEstablished = "connection_established"
	MessageTypeError                 = "error"
)

// Collaborator roles.
const (
	RoleInitiator    = "initiator"
	RoleCollaborator = "collaborator"
)

// Sender identity used for server-originated envelopes.
const (
	serverSenderID   = "server"
	serverSenderName = "System"
)

// CollaboratorInfo is a participant's presence record as it appears on the wire
type CollaboratorInfo struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Color      string `json:"color"`
	Role       string `json:"role"`
	LastActive string `json:"last_active"`
}

// SessionSnapshot is the point-in-time session state embedded in envelopes
type SessionSnapshot struct {
	ID            string             `json:"id"`
	DesignID      string             `json:"design_id"`
	Collaborators []CollaboratorInfo `json:"collaborators"`
	Owner         *string            `json:"owner"`
	Initiator     *string            `json:"initiator"`
	CreatedAt     string             `json:"created_at"`
}

// EnvelopePayload carries the session state attached to join, leave, sync and
// session_update envelopes.
type EnvelopePayload struct {
	Session  *SessionSnapshot `json:"session,omitempty"`
	UserRole string           `json:"user_role,omitempty"`
}

// Envelope is the structured message exchanged over the collaboration socket
type Envelope struct {
	Type            string           `json:"type"`
	SenderID        string           `json:"senderId,omitempty"`
	SenderName      string           `json:"senderName,omitempty"`
	SessionID       string           `json:"sessionId,omitempty"`
	Message         string           `json:"message,omitempty"`
	DesignID        string           `json:"design_id,omitempty"`
	Timestamp       string           `json:"timestamp,omitempty"`
	ServerTimestamp string           `json:"server_timestamp,omitempty"`
	Session         *SessionSnapshot `json:"session,omitempty"`
	Payload         *EnvelopePayload `json:"payload,omitempty"`
}

// isoNow returns the current UTC time in the ISO-8601 format used on the wire
func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func errorEnvelope(message string) Envelope {
	return Envelope{
		Type:      MessageTypeError,
		Message:   message,
		Timestamp: isoNow(),
	}
}

func connectionEstablishedEnvelope(designID string, snapshot *SessionSnapshot) Envelope {
	return Envelope{
		Type:      MessageTypeConnectionEstablished,
		Message:   "connection established",
		Timestamp: isoNow(),
		DesignID:  designID,
		Session:   snapshot,
	}
}

func joinEnvelope(userID, username, sessionID string, snapshot *SessionSnapshot, userRole string) Envelope {
	return Envelope{
		Type:       MessageTypeJoin,
		SenderID:   userID,
		SenderName: username,
		SessionID:  sessionID,
		Timestamp:  isoNow(),
		Payload: &EnvelopePayload{
			Session:  snapshot,
			UserRole: userRole,
		},
	}
}

func leaveEnvelope(userID, username, sessionID string, snapshot *SessionSnapshot) Envelope {
	return Envelope{
		Type:       MessageTypeLeave,
		SenderID:   userID,
		SenderName: username,
		SessionID:  sessionID,
		Timestamp:  isoNow(),
		Payload:    &EnvelopePayload{Session: snapshot},
	}
}

func serverEnvelope(messageType, sessionID string, snapshot *SessionSnapshot) Envelope {
	return Envelope{
		Type:       messageType,
		SenderID:   serverSenderID,
		SenderName: serverSenderName,
		SessionID:  sessionID,
		Timestamp:  isoNow(),
		Payload:    &EnvelopePayload{Session: snapshot},
	}
}
