package store

// Event is a tagged variant applied to the store by the sync engine.
// Each concrete type corresponds to one remote event on the stream.
type Event interface {
	eventKind() string
}

// NewMessage reports a message the server accepted, either authored remotely
// or the authoritative echo of a local send. ClientID carries the sender's
// idempotency key when the server echoes it back.
type NewMessage struct {
	Message  Message
	ClientID string
}

// MessageUpdated reports an edit, delivery-state change or deletion of an
// existing message, keyed by server id.
type MessageUpdated struct {
	ServerID       string
	ConversationID string
	Content        string
	DeliveryState  DeliveryState
	Deleted        bool
}

// TypingChanged reports a remote user starting or stopping typing.
type TypingChanged struct {
	ConversationID string
	UserID         string
	IsTyping       bool
	ExpiresAt      int64
}

// PresenceChanged reports a remote user's presence transition.
type PresenceChanged struct {
	UserID     string
	Status     PresenceStatus
	LastSeenAt int64
}

// ConversationUpdated reports server-side conversation metadata changes
// (participants, archive flag, authoritative unread count).
type ConversationUpdated struct {
	Conversation Conversation
}

func (NewMessage) eventKind() string          { return "new_message" }
func (MessageUpdated) eventKind() string      { return "message_updated" }
func (TypingChanged) eventKind() string       { return "typing" }
func (PresenceChanged) eventKind() string     { return "presence" }
func (ConversationUpdated) eventKind() string { return "conversation_updated" }
