// Package events defines the event types carried on the gatekeeper event bus.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Client connection events
	EventClientConnected    EventType = "client_connected"
	EventClientDisconnected EventType = "client_disconnected"
	EventProtocolError      EventType = "protocol_error"

	// Login and handoff events
	EventLoginAttempt   EventType = "login_attempt"
	EventSessionHandoff EventType = "session_handoff"
	EventSessionClosed  EventType = "session_closed"

	// Fleet events
	EventChannelStatus EventType = "channel_status"

	// System events
	EventHealthAlert EventType = "health_alert"
	EventShutdown    EventType = "shutdown"
)

// Event is a single occurrence delivered to subscribers.
type Event struct {
	Type    EventType   `json:"type"`
	Source  string      `json:"source"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

// New stamps an event with the current time.
func New(eventType EventType, source string, payload interface{}) Event {
	return Event{
		Type:    eventType,
		Source:  source,
		Time:    time.Now().UTC(),
		Payload: payload,
	}
}

// ClientPayload describes a client socket opening or closing.
type ClientPayload struct {
	Remote    string `json:"remote"`
	AccountID int    `json:"account_id,omitempty"`
}

// ProtocolErrorPayload is emitted when a client sent an undecodable frame.
type ProtocolErrorPayload struct {
	Remote string `json:"remote"`
	Opcode uint16 `json:"opcode"`
	Detail string `json:"detail"`
}

// LoginPayload is emitted once per login attempt.
type LoginPayload struct {
	Account   string `json:"account"`
	AccountID int    `json:"account_id,omitempty"`
	Remote    string `json:"remote"`
	Outcome   string `json:"outcome"`
}

// HandoffPayload is emitted once per character handoff attempt.
type HandoffPayload struct {
	AccountID   int    `json:"account_id"`
	CharacterID int    `json:"character_id"`
	World       int    `json:"world"`
	Channel     int    `json:"channel,omitempty"`
	Result      string `json:"result"`
}

// SessionClosedPayload is emitted when a session is torn down.
type SessionClosedPayload struct {
	AccountID int    `json:"account_id"`
	Forced    bool   `json:"forced"`
	Reason    string `json:"reason"`
}

// ChannelStatusPayload is a heartbeat from a channel server.
type ChannelStatusPayload struct {
	World   int  `json:"world"`
	Channel int  `json:"channel"`
	Players int  `json:"players"`
	Online  bool `json:"online"`
}

// HealthAlertPayload reports a failing or recovered background check.
type HealthAlertPayload struct {
	Check   string `json:"check"`
	Level   string `json:"level"`
	Message string `json:"message"`
}
