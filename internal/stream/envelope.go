package stream

import (
	"encoding/json"
	"fmt"

	"github.com/mentorloop/coachchat/internal/store"
)

// Event types carried on the stream.
const (
	TypeConnected           = "connected"
	TypeCaughtUp            = "caught_up"
	TypeNewMessage          = "NEW_MESSAGE"
	TypeMessageUpdated      = "MESSAGE_UPDATED"
	TypeTyping              = "TYPING"
	TypePresence            = "PRESENCE"
	TypeConversationUpdated = "CONVERSATION_UPDATED"
)

// Envelope is the wire format for all stream events. Cursor is the
// per-connection resume marker for the event it wraps.
type Envelope struct {
	Type    string          `json:"type"`
	Cursor  string          `json:"cursor,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// MessagePayload is the body of NEW_MESSAGE and MESSAGE_UPDATED events.
// ClientID echoes the sender's idempotency key on NEW_MESSAGE.
type MessagePayload struct {
	ID             string `json:"id"`
	ClientID       string `json:"clientId,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	AttachmentRef  string `json:"attachmentRef,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	DeliveryState  string `json:"deliveryState,omitempty"`
	Deleted        bool   `json:"deleted,omitempty"`
}

// TypingPayload is the body of TYPING events.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	ExpiresAt      int64  `json:"expiresAt,omitempty"`
}

// PresencePayload is the body of PRESENCE events.
type PresencePayload struct {
	UserID     string `json:"userId"`
	Status     string `json:"status"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

// ConversationPayload is the body of CONVERSATION_UPDATED events.
type ConversationPayload struct {
	ID                 string   `json:"id"`
	ParticipantIDs     []string `json:"participantIds"`
	LastMessagePreview string   `json:"lastMessagePreview"`
	LastActivityAt     int64    `json:"lastActivityAt"`
	UnreadCount        int      `json:"unreadCount"`
	Archived           bool     `json:"archived"`
}

// Decode turns an envelope into the store event it carries. Unknown or
// malformed envelopes return an error so the reader can drop them without
// tearing the subscription down.
func Decode(env Envelope) (store.Event, error) {
	switch env.Type {
	case TypeNewMessage:
		var p MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.ID == "" || p.ConversationID == "" {
			return nil, fmt.Errorf("decode %s: missing id or conversationId", env.Type)
		}
		return store.NewMessage{
			ClientID: p.ClientID,
			Message: store.Message{
				ServerID:       p.ID,
				ConversationID: p.ConversationID,
				SenderID:       p.SenderID,
				Content:        p.Content,
				AttachmentRef:  p.AttachmentRef,
				CreatedAt:      p.CreatedAt,
				DeliveryState:  store.DeliveryState(p.DeliveryState),
			},
		}, nil
	case TypeMessageUpdated:
		var p MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("decode %s: missing id", env.Type)
		}
		return store.MessageUpdated{
			ServerID:       p.ID,
			ConversationID: p.ConversationID,
			Content:        p.Content,
			DeliveryState:  store.DeliveryState(p.DeliveryState),
			Deleted:        p.Deleted,
		}, nil
	case TypeTyping:
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return store.TypingChanged{
			ConversationID: p.ConversationID,
			UserID:         p.UserID,
			IsTyping:       p.IsTyping,
			ExpiresAt:      p.ExpiresAt,
		}, nil
	case TypePresence:
		var p PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return store.PresenceChanged{
			UserID:     p.UserID,
			Status:     store.PresenceStatus(p.Status),
			LastSeenAt: p.LastSeenAt,
		}, nil
	case TypeConversationUpdated:
		var p ConversationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return store.ConversationUpdated{Conversation: store.Conversation{
			ID:                 p.ID,
			ParticipantIDs:     p.ParticipantIDs,
			LastMessagePreview: p.LastMessagePreview,
			LastActivityAt:     p.LastActivityAt,
			UnreadCount:        p.UnreadCount,
			Archived:           p.Archived,
		}}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// StreamEvent is the bus payload for a decoded stream event.
type StreamEvent struct {
	Cursor string
	Event  store.Event
}

// OutboundCommand is a client-to-server frame (typing signals, presence).
type OutboundCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}
