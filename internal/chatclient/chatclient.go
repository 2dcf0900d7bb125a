// Package chatclient defines the narrow contract the session supervisor
// needs from the chat network: an event stream of
// qr|ready|auth_failure|disconnected|message plus
// sendMessage/destroy/initialize operations. Everything else about the
// underlying chat-network library is deliberately hidden behind this
// interface.
package chatclient

import "context"

// EventKind names the five events the supervisor reacts to.
type EventKind string

const (
	EventQR           EventKind = "qr"
	EventReady        EventKind = "ready"
	EventAuthFailure  EventKind = "auth_failure"
	EventDisconnected EventKind = "disconnected"
	EventMessage      EventKind = "message"
)

// Event is the single type every callback receives; only the field
// matching Kind is populated.
type Event struct {
	Kind EventKind

	// EventQR
	QRCode string

	// EventAuthFailure / EventDisconnected
	Reason string

	// EventMessage
	Message *InboundMessage
}

// InboundMessage is the subset of an incoming chat message the dispatcher
// needs; it intentionally drops everything else the chat-network library
// attaches to a message.
type InboundMessage struct {
	From         string // chat id the message arrived on ("...@c.us" or "...@g.us")
	FromMe       bool
	Type         string // "chat" for plain text; anything else is filtered
	IsStatus     bool
	IsChannel    bool
	Body         string
	MentionedIDs []string
	WhatsAppName string
	ChatName     string
}

// Client is the per-agent handle the session supervisor owns. A Client is
// single-agent and single-use: once Destroy is called it must not be
// reused.
type Client interface {
	// Initialize begins connecting. Events are delivered to onEvent
	// sequentially; Initialize must not block waiting for a ready/qr
	// event.
	Initialize(ctx context.Context, onEvent func(Event)) error

	// SendMessage delivers text to the given chat id.
	SendMessage(ctx context.Context, to, body string) error

	// SendImage delivers an image to the given chat id.
	SendImage(ctx context.Context, to string, data []byte, mimeType, filename, caption string) error

	// SendChatPresence shows or clears the typing indicator for to.
	SendChatPresence(ctx context.Context, to string, composing bool) error

	// Destroy tears down the client. Best-effort; callers log but never
	// propagate its error.
	Destroy(ctx context.Context) error
}

// Factory constructs a fresh Client for agentID, rooted at authDir on
// disk. A new Factory-produced Client is required on every reconnect;
// Clients are not reused across reconnects.
type Factory func(agentID, authDir string) Client
