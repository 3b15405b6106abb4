package store

// DeliveryState tracks the lifecycle of an outbound message.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// PresenceStatus is a participant's live availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
)

// Conversation is a thread between the viewing user and one or more
// participants. Conversations are never deleted client-side, only archived.
type Conversation struct {
	ID                 string
	ParticipantIDs     []string
	LastMessagePreview string
	LastActivityAt     int64 // unix ms
	UnreadCount        int
	Archived           bool
}

// Message is a single entry in a conversation. ID is the client-generated
// id for locally-originated messages until the server acknowledges; remote
// messages carry the server id directly. ServerID is filled in on ack.
type Message struct {
	ID             string
	ServerID       string
	ConversationID string
	SenderID       string
	Content        string
	AttachmentRef  string
	CreatedAt      int64 // unix ms
	DeliveryState  DeliveryState
	Deleted        bool
}

// Draft is the user-entered content of a message about to be sent.
type Draft struct {
	Content       string
	AttachmentRef string
}

// TypingIndicator is a live, expiring signal that a remote user is typing.
type TypingIndicator struct {
	ConversationID string
	UserID         string
	ExpiresAt      int64 // unix ms
}

// PresenceState is the last known presence of a user.
type PresenceState struct {
	UserID     string
	Status     PresenceStatus
	LastSeenAt int64 // unix ms
}

// SendOutcome is the result of an outbound send attempt, fed back into
// ReconcileSend.
type SendOutcome struct {
	OK        bool
	ServerID  string
	CreatedAt int64 // server-assigned timestamp, unix ms
	Error     string
}
