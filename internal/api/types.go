package api

import "github.com/mentorloop/coachchat/internal/store"

// Conversation is the wire shape of a conversation.
type Conversation struct {
	ID                 string   `json:"id"`
	ParticipantIDs     []string `json:"participantIds"`
	LastMessagePreview string   `json:"lastMessagePreview"`
	LastActivityAt     int64    `json:"lastActivityAt"`
	UnreadCount        int      `json:"unreadCount"`
	Archived           bool     `json:"archived"`
}

// Message is the wire shape of a message.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	AttachmentRef  string `json:"attachmentRef,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// MessagePage is one page of backward history.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor"`
	HasMore    bool      `json:"hasMore"`
}

// PostMessagePayload is the outbound send request. ClientID is the
// idempotency key: resending the same payload never creates a duplicate
// server-side.
type PostMessagePayload struct {
	ClientID      string `json:"clientId"`
	Content       string `json:"content"`
	AttachmentRef string `json:"attachmentRef,omitempty"`
}

// PostMessageResult is the server acknowledgement of a send.
type PostMessageResult struct {
	ServerID  string `json:"serverId"`
	CreatedAt int64  `json:"createdAt"`
}

// CreateConversationPayload starts a new conversation with a first message.
type CreateConversationPayload struct {
	ParticipantIDs []string           `json:"participantIds"`
	FirstMessage   PostMessagePayload `json:"firstMessage"`
}

// ToStore converts a wire conversation to the store's canonical type.
func (c Conversation) ToStore() store.Conversation {
	return store.Conversation{
		ID:                 c.ID,
		ParticipantIDs:     c.ParticipantIDs,
		LastMessagePreview: c.LastMessagePreview,
		LastActivityAt:     c.LastActivityAt,
		UnreadCount:        c.UnreadCount,
		Archived:           c.Archived,
	}
}

// ToStore converts a wire message to the store's canonical type.
func (m Message) ToStore() store.Message {
	return store.Message{
		ID:             m.ID,
		ServerID:       m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		AttachmentRef:  m.AttachmentRef,
		CreatedAt:      m.CreatedAt,
	}
}
